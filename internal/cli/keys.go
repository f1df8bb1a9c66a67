package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/onnwee/carevault/internal/app"
	"github.com/onnwee/carevault/internal/keystore"
)

// KeyInfoResult is the key-info output.
type KeyInfoResult struct {
	keystore.Info
	Versions []keystore.KeyVersion `json:"versions"`
}

func newKeyInfoCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "key-info",
		Short: "Show data key versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withCore(cmd, func(_ context.Context, core *app.Core, out printer) error {
				res := KeyInfoResult{Info: core.Keys.Info(), Versions: core.Keys.Versions()}
				return out.result(res, func(w io.Writer) {
					fmt.Fprintf(w, "active version: %d\n", res.ActiveVersion)
					fmt.Fprintf(w, "algorithm:      %s\n", res.Algorithm)
					fmt.Fprintf(w, "versions:       %d\n", res.TotalVersions)
					for _, v := range res.Versions {
						fmt.Fprintf(w, "  v%d %s %s created %s\n",
							v.Version, v.Status, v.Algorithm, v.CreatedAt.Format("2006-01-02"))
					}
				})
			})
		},
	}
}

func newRotateKeysCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rotate-keys",
		Short: "Generate a new active data key",
		Long: `Generate a new data key and retire the current one. Retired keys stay
available for decryption. The rotation is recorded as KEY_ROTATION.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withCore(cmd, func(ctx context.Context, core *app.Core, out printer) error {
				version, err := core.Engine.RotateKeys(ctx)
				if err != nil {
					if version != 0 {
						return WrapExitError(ExitFailure,
							fmt.Sprintf("key rotated to v%d but the audit record was not written", version), err)
					}
					return WrapExitError(ExitCommandError, "key rotation failed", err)
				}
				info := core.Keys.Info()
				return out.result(info, func(w io.Writer) {
					fmt.Fprintf(w, "rotated to key version %d (%s, %d versions)\n",
						info.ActiveVersion, info.Algorithm, info.TotalVersions)
				})
			})
		},
	}
}
