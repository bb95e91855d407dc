package cli

import (
	"github.com/spf13/cobra"

	"github.com/roach88/attendsync/internal/config"
	"github.com/roach88/attendsync/internal/store"
	"github.com/roach88/attendsync/internal/transport"
)

// deviceFlags are shared by the commands that work on the local queue.
type deviceFlags struct {
	DB     string
	Server string
	APIKey string
}

func (f *deviceFlags) register(cmd *cobra.Command, remote bool) {
	cmd.Flags().StringVar(&f.DB, "db", "", "path to the device database (default from ATTENDSYNC_CLIENT_DB)")
	if remote {
		cmd.Flags().StringVar(&f.Server, "server", "", "base URL of the attendsync server (default from ATTENDSYNC_SERVER_URL)")
		cmd.Flags().StringVar(&f.APIKey, "api-key", "", "device API key (default from ATTENDSYNC_API_KEY)")
	}
}

// resolve fills flags the user did not set from configuration.
func (f *deviceFlags) resolve(cmd *cobra.Command, cfg config.ClientConfig) {
	if !cmd.Flags().Changed("db") {
		f.DB = cfg.DB
	}
	if !cmd.Flags().Changed("server") {
		f.Server = cfg.ServerURL
	}
	if !cmd.Flags().Changed("api-key") {
		f.APIKey = cfg.APIKey
	}
}

func (f *deviceFlags) openStore() (*store.LocalStore, error) {
	st, err := store.OpenLocal(f.DB)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open device database", err)
	}
	return st, nil
}

func (f *deviceFlags) client() *transport.Client {
	return transport.New(f.Server, f.APIKey)
}
