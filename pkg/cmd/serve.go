package cmd

import (
	"github.com/spf13/cobra"

	"github.com/havenpkg/haven/pkg/registry"
)

func newServeCmd(s *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a directory as a haven repository",
		Long: `Starts an HTTP registry over a directory in cache layout
(<name>/<version>/haven.json and artifact/).

GET <dir>/?view=json returns a directory listing, GET <file> returns the
file, and POST <file> with a multipart "my_file" field stores an upload,
which makes the registry a deploy target. The local cache is served by
default.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, s)
		},
	}

	cmd.Flags().String("root", "", "directory to serve (default: local cache)")
	cmd.Flags().String("addr", registry.DefaultAddr, "address to listen on")

	return cmd
}

func runServe(cmd *cobra.Command, s *session) error {
	root, _ := cmd.Flags().GetString("root")
	addr, _ := cmd.Flags().GetString("addr")
	if root == "" {
		root = s.cfg.LocalCache
	}

	srv := registry.New(root, loggerFromContext(cmd.Context()))
	return srv.ListenAndServe(cmd.Context(), addr)
}
