package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/arzzra/callcore/pkg/config"
	"github.com/arzzra/callcore/pkg/phone"
	"github.com/arzzra/callcore/pkg/storage"
)

func newSettingsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Пользовательские настройки",
		Long: `Настройки аккаунта и звонков. Без --save-credentials настройки живут только
в текущем запуске, а ранее сохраненные удаляются из базы.`,
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Показать сохраненные настройки",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOutput, _ := cmd.Flags().GetBool("json")
			st, err := a.stores()
			if err != nil {
				return err
			}
			s, err := st.settings.Load(cmd.Context())
			if err != nil {
				return err
			}
			return printSettings(cmd.OutOrStdout(), s, jsonOutput)
		},
	}
	show.Flags().Bool("json", false, "вывод в JSON")

	clear := &cobra.Command{
		Use:   "clear",
		Short: "Удалить сохраненные настройки",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.stores()
			if err != nil {
				return err
			}
			if err := st.settings.Clear(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Настройки удалены")
			return nil
		},
	}

	cmd.AddCommand(show, newSettingsSetCmd(a), clear)
	return cmd
}

func newSettingsSetCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Изменить настройки",
		Example: `  softphone settings set --username 5551234567 --password secret --save-credentials
  softphone settings set --caller-id 5559876543 --hide-caller-id=false
  softphone settings set --recording`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.stores()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			s, err := st.settings.Load(ctx)
			if err != nil {
				return err
			}
			if err := applySettingsFlags(cmd, &s); err != nil {
				return err
			}
			if err := st.settings.Save(ctx, s); err != nil {
				return err
			}
			if !s.SaveCredentials {
				fmt.Fprintln(cmd.OutOrStdout(), "Сохранение отключено, настройки удалены из базы")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Настройки сохранены")
			return nil
		},
	}
	f := cmd.Flags()
	f.String("username", "", "SIP логин, 10 цифр")
	f.String("password", "", "SIP пароль")
	f.String("display-name", "", "отображаемое имя")
	f.String("caller-id", "", "номер для Caller ID, 10 цифр NANP")
	f.Bool("hide-caller-id", false, "скрывать Caller ID")
	f.Bool("register-on-startup", false, "регистрироваться при запуске")
	f.Bool("hide-event-log", false, "скрыть журнал событий")
	f.Bool("recording", false, "записывать разговоры")
	f.Bool("save-credentials", false, "сохранять настройки между запусками")
	return cmd
}

// applySettingsFlags переносит в s только явно заданные флаги
func applySettingsFlags(cmd *cobra.Command, s *storage.Settings) error {
	f := cmd.Flags()
	if f.Changed("username") {
		v, _ := f.GetString("username")
		v = phone.Sanitize(v)
		if !phone.ValidUsername(v) {
			return fmt.Errorf("логин %q: ожидается 10 цифр", v)
		}
		s.Username = v
	}
	if f.Changed("password") {
		s.Password, _ = f.GetString("password")
	}
	if f.Changed("display-name") {
		s.DisplayName, _ = f.GetString("display-name")
	}
	if f.Changed("caller-id") {
		v, _ := f.GetString("caller-id")
		v = phone.Sanitize(v)
		if v != "" && !phone.ValidNANP(v) {
			return fmt.Errorf("caller ID %q не является номером NANP", v)
		}
		s.CallerID = v
	}
	bools := []struct {
		name string
		dst  *bool
	}{
		{"hide-caller-id", &s.HideCallerID},
		{"register-on-startup", &s.RegisterOnStartup},
		{"hide-event-log", &s.HideEventLog},
		{"recording", &s.EnableCallRecording},
		{"save-credentials", &s.SaveCredentials},
	}
	for _, b := range bools {
		if f.Changed(b.name) {
			*b.dst, _ = f.GetBool(b.name)
		}
	}
	return nil
}

func printSettings(out io.Writer, s storage.Settings, jsonOutput bool) error {
	if s.Password != "" {
		s.Password = "********"
	}
	if jsonOutput {
		data, err := json.MarshalIndent(s, "", "  ")
		if err != nil {
			return fmt.Errorf("сериализация настроек: %w", err)
		}
		fmt.Fprintln(out, string(data))
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "username\t%s\n", s.Username)
	fmt.Fprintf(w, "password\t%s\n", s.Password)
	fmt.Fprintf(w, "display name\t%s\n", s.DisplayName)
	fmt.Fprintf(w, "caller id\t%s\n", phone.Format(s.CallerID))
	fmt.Fprintf(w, "hide caller id\t%t\n", s.HideCallerID)
	fmt.Fprintf(w, "register on startup\t%t\n", s.RegisterOnStartup)
	fmt.Fprintf(w, "hide event log\t%t\n", s.HideEventLog)
	fmt.Fprintf(w, "call recording\t%t\n", s.EnableCallRecording)
	fmt.Fprintf(w, "save credentials\t%t\n", s.SaveCredentials)
	return w.Flush()
}

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Файл конфигурации",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Показать действующую конфигурацию с учетом переменных окружения",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := *a.cfg
			if cfg.SIP.Password != "" {
				cfg.SIP.Password = "********"
			}
			data, err := yaml.Marshal(&cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Записать конфигурацию по умолчанию",
		Args:  cobra.NoArgs,
		// Существующий файл может быть некорректным, init его не читает
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			a.cfg = config.DefaultConfig()
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := a.configPath()
			if err != nil {
				return err
			}
			if !force {
				if _, err := os.Stat(path); err == nil {
					return errors.New(path + " уже существует, используйте --force")
				}
			}
			if err := config.Save(path, config.DefaultConfig()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Конфигурация записана в %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "перезаписать существующий файл")

	cmd.AddCommand(show, initCmd)
	return cmd
}
