package main

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/zach-source/idleguard/internal/audit"
)

func newAuditCmd(stdout, stderr io.Writer) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the daemon's audit log",
	}
	cmd.PersistentFlags().StringVar(&dir, "dir", "", "audit log directory (default: data dir)")
	cmd.AddCommand(
		newAuditDenialsCmd(stdout, &dir),
		newAuditTerminationsCmd(stdout, &dir),
		newAuditAllowCmd(stdout, stderr),
	)
	return cmd
}

func newAuditDenialsCmd(stdout io.Writer, dir *string) *cobra.Command {
	var since time.Duration
	cmd := &cobra.Command{
		Use:   "denials",
		Short: "List recent policy denials with suggested allow patterns",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			denials, err := audit.ScanRecentDenials(*dir, since)
			if err != nil {
				return err
			}
			if len(denials) == 0 {
				_, err := fmt.Fprintf(stdout, "no denials in the last %s\n", since)
				return err
			}
			if jsonOutput {
				return printJSON(stdout, denials)
			}
			groups := audit.GroupDenialsByPath(denials)
			paths := make([]string, 0, len(groups))
			for p := range groups {
				paths = append(paths, p)
			}
			sort.Strings(paths)
			i := 0
			for _, p := range paths {
				for _, d := range groups[p] {
					_, _ = fmt.Fprint(stdout, audit.FormatDenialForDisplay(i, d))
					_, _ = fmt.Fprintf(stdout, "    Suggest: %v\n", audit.SuggestAllowPattern(d.Command))
					i++
				}
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "how far back to look")
	return cmd
}

func newAuditTerminationsCmd(stdout io.Writer, dir *string) *cobra.Command {
	var since time.Duration
	cmd := &cobra.Command{
		Use:   "terminations",
		Short: "List sessions the guard ended",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			terms, err := audit.ScanTerminations(*dir, since)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(stdout, terms)
			}
			for _, t := range terms {
				if _, err := fmt.Fprintln(stdout, audit.FormatTermination(t)); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&since, "since", 7*24*time.Hour, "how far back to look")
	return cmd
}

func newAuditAllowCmd(stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "allow PATH PATTERN",
		Short: "Add a policy rule letting the executable at PATH run commands matching PATTERN",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rule := audit.CreatePolicyRuleFromDenial(audit.DenialEvent{Path: args[0]}, args[1])
			if err := audit.AddRuleToPolicy(rule); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(stdout, "allowed %s to run %q\n", rule.Path, args[1])
			_, _ = fmt.Fprintln(stderr, "restart idleguardd for the policy to take effect")
			return nil
		},
	}
}
