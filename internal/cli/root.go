// Package cli implements the sandboxctl command: it reads a policy
// artifact, lowers one function's automaton into an install blob, and hands
// it to a running sandboxd.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"libcall.sandbox/pkg/ipc"
	"libcall.sandbox/pkg/policy"
)

var (
	flagPid       uint32
	flagArtifact  string
	flagFuncIndex int
	flagUnique    bool
	flagSocket    string
)

var rootCmd = &cobra.Command{
	Use:   "sandboxctl",
	Short: "Load a library-call policy into the sandbox daemon for a target process.",
	Long: `sandboxctl parses the policy artifact produced by libcallpass, selects one
function's automaton, packs it into the engine's install blob and sends it to
a running sandboxd over its command socket.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagPid == 0 {
			return fmt.Errorf("a target pid is required (-p)")
		}
		if flagArtifact == "" {
			return fmt.Errorf("a policy artifact path is required (-j)")
		}

		data, err := os.ReadFile(flagArtifact)
		if err != nil {
			return fmt.Errorf("reading artifact: %w", err)
		}
		artifact, err := policy.Parse(data)
		if err != nil {
			return err
		}

		mode := policy.IDModeDummy
		if flagUnique {
			mode = policy.IDModeUnique
		}
		blob, err := policy.BuildBlob(artifact, flagFuncIndex, flagPid, mode)
		if err != nil {
			return err
		}
		packed, err := blob.Encode()
		if err != nil {
			return fmt.Errorf("packing install blob: %w", err)
		}

		c, err := ipc.NewClientAt(flagSocket)
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.InstallPolicy(packed); err != nil {
			return err
		}

		fmt.Printf("Loaded policy: pid=%d nodes=%d edges=%d mode=%s\n",
			flagPid, blob.NumNodes, len(blob.Edges), mode)
		return nil
	},
}

// Execute runs the command tree, exiting non-zero on any failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().Uint32VarP(&flagPid, "pid", "p", 0, "target process id")
	rootCmd.Flags().StringVarP(&flagArtifact, "json", "j", "", "path to the policy artifact")
	rootCmd.Flags().IntVarP(&flagFuncIndex, "function", "f", 0, "index of the function to enforce")
	rootCmd.Flags().BoolVar(&flagUnique, "unique", false, "match on unique ids instead of dummy ids")
	rootCmd.Flags().StringVar(&flagSocket, "socket", ipc.SandboxdCommandsSocket, "sandboxd command socket path")
}
