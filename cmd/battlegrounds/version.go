package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/mrcgq/battlegrounds/internal/crypto"
)

func versionCmd() *cobra.Command {
	var short bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "显示版本",
		Run: func(cmd *cobra.Command, args []string) {
			if short {
				fmt.Println(Version)
				return
			}
			fmt.Printf("battlegrounds v%s\n", Version)
			fmt.Printf("  Build:  %s\n", BuildTime)
			fmt.Printf("  Commit: %s\n", GitCommit)
			fmt.Printf("  Go:     %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
	cmd.Flags().BoolVarP(&short, "short", "s", false, "只显示版本号")
	return cmd
}

func genPSKCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gen-psk",
		Short: "生成新的 PSK",
		RunE: func(cmd *cobra.Command, args []string) error {
			psk, err := crypto.GeneratePSK()
			if err != nil {
				return err
			}
			fmt.Println(psk)
			return nil
		},
	}
}
