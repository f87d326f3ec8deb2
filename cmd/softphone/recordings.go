package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/arzzra/callcore/pkg/logger"
	"github.com/arzzra/callcore/pkg/phone"
	"github.com/arzzra/callcore/pkg/recording"
	"github.com/arzzra/callcore/pkg/storage"
)

func newRecordingsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "recordings",
		Aliases: []string{"rec"},
		Short:   "Записи разговоров",
	}
	cmd.AddCommand(
		newRecordingsListCmd(a),
		newRecordingsDeleteCmd(a),
		newRecordingsExportCmd(a),
		newRecordingsPruneCmd(a),
	)
	return cmd
}

func newRecordingsListCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Показать сохраненные записи",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOutput, _ := cmd.Flags().GetBool("json")
			st, err := a.stores()
			if err != nil {
				return err
			}
			list, err := st.index.List(cmd.Context())
			if err != nil {
				return err
			}
			return printRecordings(cmd.OutOrStdout(), list, jsonOutput)
		},
	}
	cmd.Flags().Bool("json", false, "вывод в JSON")
	return cmd
}

func printRecordings(out io.Writer, list []storage.RecordingMeta, jsonOutput bool) error {
	if jsonOutput {
		if list == nil {
			list = []storage.RecordingMeta{}
		}
		data, err := json.MarshalIndent(list, "", "  ")
		if err != nil {
			return fmt.Errorf("сериализация записей: %w", err)
		}
		fmt.Fprintln(out, string(data))
		return nil
	}

	if len(list) == 0 {
		fmt.Fprintln(out, "Записей нет")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FILE\tNUMBER\tSTARTED\tDURATION\tSIZE")
	fmt.Fprintln(w, "----\t------\t-------\t--------\t----")
	for _, m := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n",
			m.Filename,
			phone.Format(m.Number),
			m.StartedAt.Local().Format("2006-01-02 15:04:05"),
			phone.FormatDuration(int(m.Duration)),
			m.Size)
	}
	return w.Flush()
}

func newRecordingsDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <file>...",
		Short: "Удалить записи и ссылки на них из истории",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.stores()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			for _, name := range args {
				existed, err := st.files.Delete(name)
				if err != nil {
					return err
				}
				if err := st.index.Remove(ctx, name); err != nil {
					return err
				}
				if err := st.history.UnlinkRecording(ctx, name); err != nil {
					a.log.Warn(ctx, "ссылка на запись в истории", logger.String("file", name), logger.Err(err))
				}
				if !existed {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: файла не было, запись убрана из индекса\n", name)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s удален\n", name)
			}
			return nil
		},
	}
}

func newRecordingsExportCmd(a *app) *cobra.Command {
	var (
		out     string
		dataURL bool
	)
	cmd := &cobra.Command{
		Use:   "export <file>",
		Short: "Скопировать запись в файл или вывести как data URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.stores()
			if err != nil {
				return err
			}
			name := args[0]
			if _, err := st.index.Get(cmd.Context(), name); err != nil {
				return fmt.Errorf("запись %s: %w", name, err)
			}

			if dataURL {
				url, err := st.files.ReadAsDataURL(name)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), url)
				return nil
			}

			data, err := st.files.Read(name)
			if err != nil {
				return fmt.Errorf("чтение %s: %w", name, err)
			}
			if out == "" {
				out = filepath.Base(name)
			}
			if err := os.WriteFile(out, data, 0o644); err != nil {
				return fmt.Errorf("запись %s: %w", out, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s (%d байт)\n", name, out, len(data))
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "куда сохранить (по умолчанию имя записи в текущем каталоге)")
	cmd.Flags().BoolVar(&dataURL, "data-url", false, "вывести data:<mime>;base64,... вместо файла")
	return cmd
}

func newRecordingsPruneCmd(a *app) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Удалить записи старше срока хранения",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			maxAge := a.cfg.Retention()
			if olderThan > 0 {
				maxAge = olderThan
			}
			if maxAge <= 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Срок хранения не задан, очистка отключена")
				return nil
			}
			st, err := a.stores()
			if err != nil {
				return err
			}
			r, err := recording.NewRetention(recording.RetentionConfig{
				MaxAge:  maxAge,
				Spec:    a.cfg.Recordings.Schedule,
				Index:   st.index,
				Files:   st.files,
				History: st.history,
				Logger:  a.log,
			})
			if err != nil {
				return err
			}
			removed, err := r.Prune(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Удалено записей: %d\n", removed)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "срок хранения вместо recordings.retention_days")
	return cmd
}
