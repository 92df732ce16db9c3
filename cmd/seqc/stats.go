package main

import (
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var headerStyle = lipgloss.NewStyle().Bold(true).TabWidth(lipgloss.NoTabConversion)

func newStatsCmd(a *app) *cobra.Command {
	var showMD5 bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "List the registered statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.load(false); err != nil {
				return err
			}
			reg, order, err := a.registry()
			if err != nil {
				return err
			}
			pos := make(map[string]int, len(order))
			for i, name := range order {
				pos[name] = i
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			header := []string{"NAME", "TYPE", "LINKABLE", "ORDER", "DEPENDS", "DESCRIPTION"}
			if showMD5 {
				header = append(header, "MD5")
			}
			fmt.Fprintln(tw, headerStyle.Render(strings.Join(header, "\t")))
			for _, name := range reg.Names() {
				stat, _ := reg.Get(name)
				row := []string{
					name,
					stat.TypeLabel(),
					strconv.FormatBool(stat.Linkable),
					strconv.Itoa(pos[name]),
					dash(strings.Join(stat.Dependencies, ",")),
					fmt.Sprintf("%s (e.g. %s)", stat.Explanation, stat.Example),
				}
				if showMD5 {
					row = append(row, stat.Fingerprint)
				}
				fmt.Fprintln(tw, strings.Join(row, "\t"))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			for _, w := range reg.Warnings() {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", w)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showMD5, "md5", false, "show the fingerprint of each statistic")
	return cmd
}

func newSamplesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "samples",
		Short: "List analysed samples",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.load(false); err != nil {
				return err
			}
			store, err := a.openBackend(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()
			samples, err := store.ListSamples(cmd.Context())
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, headerStyle.Render("HASH\tFILE\tREADS\tSAMPLE\tPROJECT\tANALYSES"))
			for i := range samples {
				s := &samples[i]
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
					s.Hash, s.FileName, s.TotalReads, dash(s.SampleID), dash(s.ProjectName),
					strings.Join(s.CompletedKeys(), " "))
			}
			return tw.Flush()
		},
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
