package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/arzzra/callcore/pkg/phone"
	"github.com/arzzra/callcore/pkg/storage"
)

func newHistoryCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "История звонков",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "Показать историю, новые звонки первыми",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOutput, _ := cmd.Flags().GetBool("json")
			st, err := a.stores()
			if err != nil {
				return err
			}
			entries, err := st.history.List(cmd.Context())
			if err != nil {
				return err
			}
			return printHistory(cmd.OutOrStdout(), entries, jsonOutput)
		},
	}
	list.Flags().Bool("json", false, "вывод в JSON")

	clear := &cobra.Command{
		Use:   "clear",
		Short: "Удалить всю историю",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.stores()
			if err != nil {
				return err
			}
			if err := st.history.Clear(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "История очищена")
			return nil
		},
	}

	cmd.AddCommand(list, clear)
	return cmd
}

func printHistory(out io.Writer, entries []storage.HistoryEntry, jsonOutput bool) error {
	if jsonOutput {
		if entries == nil {
			entries = []storage.HistoryEntry{}
		}
		data, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return fmt.Errorf("сериализация истории: %w", err)
		}
		fmt.Fprintln(out, string(data))
		return nil
	}

	if len(entries) == 0 {
		fmt.Fprintln(out, "История пуста")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tTYPE\tNUMBER\tDURATION\tOUTCOME\tRECORDING")
	fmt.Fprintln(w, "----\t----\t------\t--------\t-------\t---------")
	for _, e := range entries {
		outcome := string(e.Outcome)
		if e.Cause != "" {
			outcome += " (" + e.Cause + ")"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Local().Format("2006-01-02 15:04:05"),
			e.Type,
			phone.Format(e.Number),
			phone.FormatDuration(e.Duration),
			outcome,
			e.Recording)
	}
	return w.Flush()
}
