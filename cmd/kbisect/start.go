package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/oriys/kbisect/internal/domain"
	"github.com/oriys/kbisect/internal/provision"
	"github.com/oriys/kbisect/internal/store"
)

func startCmd() *cobra.Command {
	var stagingDir string
	var skipProvision bool

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a new bisection session between good_commit and bad_commit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			shutdown, err := initObservability(ctx, cfg)
			if err != nil {
				return err
			}
			defer shutdown()

			st, roster, loop, err := wireSession(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			defer closeRoster(roster)

			if !skipProvision {
				if stagingDir == "" {
					stagingDir = cfg.Store.StateDir + "/staging"
				}
				p := provision.New(stagingDir)
				if err := p.Stage(ctx, cfg.KernelRepo.Source, cfg.KernelRepo.Branch); err != nil {
					return fmt.Errorf("stage kernel source: %w", err)
				}
				if cfg.KernelConfig.ConfigFile != "" {
					if err := copyFile(cfg.KernelConfig.ConfigFile, filepath.Join(stagingDir, ".config")); err != nil {
						return fmt.Errorf("stage kernel config: %w", err)
					}
				}
				if err := p.Push(ctx, roster.All()); err != nil {
					return fmt.Errorf("provision hosts: %w", err)
				}
			}

			raw, err := store.MarshalConfig(cfg)
			if err != nil {
				return fmt.Errorf("marshal config for audit: %w", err)
			}

			sess, err := loop.Start(ctx, cfg.GoodCommit, cfg.BadCommit, raw)

			if sess != nil && cfg.Metadata.CollectKernelConfig && cfg.KernelConfig.ConfigFile != "" {
				if text, readErr := os.ReadFile(cfg.KernelConfig.ConfigFile); readErr == nil {
					_, _ = st.StoreFileMetadata(ctx, sess.ID, "", domain.MetadataKernelConfig, string(text))
				}
			}

			if err != nil {
				if sess != nil {
					printSessionSummary(sess)
				}
				return err
			}

			printSessionSummary(sess)
			return nil
		},
	}

	cmd.Flags().StringVar(&stagingDir, "staging-dir", "", "local directory to stage the kernel checkout (default: <state_dir>/staging)")
	cmd.Flags().BoolVar(&skipProvision, "skip-provision", false, "assume every host already has the kernel source at kernel_path")

	return cmd
}

// copyFile stages the controller-local kernel_config.config_file at the
// conventional <staging>/.config location the Provisioner pushes to every
// host's kernel_config_dst.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
