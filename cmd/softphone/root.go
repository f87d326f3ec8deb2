package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/arzzra/callcore/pkg/config"
	"github.com/arzzra/callcore/pkg/fsstore"
	"github.com/arzzra/callcore/pkg/logger"
	"github.com/arzzra/callcore/pkg/storage"
)

// app общее состояние команд: конфигурация, логгер и хранилища
type app struct {
	cfgFile string
	verbose bool

	cfg *config.Config
	log logger.Logger

	st *stores
}

// stores хранилища поверх одной базы SQLite и каталога записей
type stores struct {
	kv       *storage.SQLiteKV
	history  *storage.HistoryStore
	index    *storage.RecordingIndex
	settings *storage.SettingsStore
	files    *fsstore.Store
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "softphone",
		Short: "SIP софтфон",
		Long: `SIP софтфон для терминала: исходящие и входящие звонки, история,
записи разговоров и пользовательские настройки.

Примеры:
  softphone register                 # проверить регистрацию аккаунта
  softphone call 5551234567          # позвонить
  softphone listen                   # ждать входящих звонков
  softphone history list --json      # история звонков в JSON
  softphone recordings prune         # удалить старые записи`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd.ErrOrStderr())
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.close()
		},
	}
	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "файл конфигурации (по умолчанию $HOME/"+config.DefaultFileName+")")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "подробные логи")

	root.AddCommand(
		newCallCmd(a),
		newListenCmd(a),
		newRegisterCmd(a),
		newHistoryCmd(a),
		newRecordingsCmd(a),
		newSettingsCmd(a),
		newConfigCmd(a),
	)
	return root
}

func (a *app) init(stderr io.Writer) error {
	cfg, err := config.Load(a.cfgFile)
	if err != nil {
		return err
	}
	if a.verbose {
		cfg.Log.Level = "debug"
	}
	a.cfg = cfg
	a.log = cfg.NewLogger(stderr).WithComponent("softphone")
	return nil
}

// stores открывает базу и каталог записей при первом обращении
func (a *app) stores() (*stores, error) {
	if a.st != nil {
		return a.st, nil
	}
	kv, err := storage.OpenSQLite(a.cfg.Storage.Path, a.log)
	if err != nil {
		return nil, err
	}
	files, err := fsstore.New(a.cfg.Recordings.Dir, a.log)
	if err != nil {
		kv.Close()
		return nil, err
	}
	files.MinFree = a.cfg.Recordings.MinFreeBytes

	a.st = &stores{
		kv:       kv,
		history:  storage.NewHistoryStore(kv),
		index:    storage.NewRecordingIndex(kv),
		settings: storage.NewSettingsStore(kv),
		files:    files,
	}
	return a.st, nil
}

func (a *app) close() error {
	if a.st == nil {
		return nil
	}
	err := a.st.kv.Close()
	a.st = nil
	if err != nil {
		return fmt.Errorf("закрытие базы: %w", err)
	}
	return nil
}

// configPath файл, в который пишет config init
func (a *app) configPath() (string, error) {
	if a.cfgFile != "" {
		return a.cfgFile, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, config.DefaultFileName), nil
}
