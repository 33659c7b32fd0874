package commands

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	mls "github.com/suhasHere/mls-engine"
)

func keyPackageCmd() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "keypackage <member>",
		Short: "Generate encoded key packages for a member",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := mls.NewRegistry(config())
			if err != nil {
				return err
			}
			defer reg.Close()

			kps, err := reg.GenerateKeyPackages(args[0], count)
			if err != nil {
				return err
			}

			for _, kp := range kps {
				fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(kp))
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of key packages")
	return cmd
}
