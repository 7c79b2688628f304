package cert

import (
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/kashguard/go-train-infra/internal/util/cert"
	"github.com/kashguard/go-train-infra/internal/util/command"
)

func New() *cobra.Command {
	return command.NewSubcommandGroup("cert",
		newGenCmd(),
		newVerifyCmd(),
	)
}

func newGenCmd() *cobra.Command {
	var (
		outDir    string
		hostnames []string
	)

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate development certificates for the broker, coordinator and peers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cert.Generate(outDir, cert.DefaultEntities(hostnames))
		},
	}
	cmd.Flags().StringVarP(&outDir, "out", "o", "certs", "Output directory for certificates")
	cmd.Flags().StringSliceVar(&hostnames, "host", []string{"localhost", "127.0.0.1", "redis", "rabbitmq"}, "Hostnames/IPs for the server certificate")
	return cmd
}

func newVerifyCmd() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "verify <name>...",
		Short: "Verify that generated certificates chain to the CA",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ca := filepath.Join(dir, "ca.crt")
			for _, name := range args {
				if err := cert.VerifyTLSConfig(filepath.Join(dir, name+".crt"), filepath.Join(dir, name+".key"), ca); err != nil {
					return err
				}
				log.Info().Str("name", name).Msg("Certificate verified")
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&dir, "dir", "d", "certs", "Directory holding the certificates")
	return cmd
}
