package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"coseditor/internal/config"
)

func newConfigCommand(root *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and change the editor configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the config file path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.printer(cmd).Print(root.ConfigPath, func(w io.Writer) { fmt.Fprintln(w, root.ConfigPath) })
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := root.cfg
			return root.printer(cmd).Print(cfg, func(w io.Writer) {
				for _, k := range cfg.Keys() {
					v, _ := cfg.GetValue(k)
					fmt.Fprintf(w, "%s = %s\n", k, v)
				}
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "get <key>",
		Short: "Print one setting, e.g. remote.api_url",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := root.cfg.GetValue(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "get", err)
			}
			return root.printer(cmd).Print(map[string]string{args[0]: v}, func(w io.Writer) { fmt.Fprintln(w, v) })
		},
	})
	cmd.AddCommand(newConfigSetCommand(root))
	cmd.AddCommand(newConfigCheckCommand(root))
	cmd.AddCommand(newConfigImportCommand(root))
	return cmd
}

func newConfigSetCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set <key>=<value>...",
		Short: "Change settings and save the config file",
		Long: `Change one or more settings. The result is validated before it is written.

Example:
  cosedit config set remote.api_url=https://cos.example.com remote.tenant_id=acme`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			updates := make(map[string]string, len(args))
			for _, a := range args {
				k, v, ok := strings.Cut(a, "=")
				if !ok || k == "" {
					return NewExitError(ExitCommandError, fmt.Sprintf("expected key=value, got %q", a))
				}
				updates[k] = v
			}
			cfg, err := config.Set(root.ConfigPath, updates)
			if err != nil {
				return WrapExitError(ExitCommandError, "set", err)
			}
			root.cfg = cfg
			return root.printer(cmd).Print(updates, func(w io.Writer) {
				fmt.Fprintf(w, "Updated %d setting(s) in %s\n", len(updates), root.ConfigPath)
			})
		},
	}
}

// checkReport is the outcome of config check.
type checkReport struct {
	Path     string                  `json:"path"`
	Exists   bool                    `json:"exists"`
	Errors   config.ValidationErrors `json:"errors,omitempty"`
	Warnings config.ValidationErrors `json:"warnings,omitempty"`
}

func newConfigCheckCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check [file]",
		Short: "Validate a config file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := root.ConfigPath
			if len(args) == 1 {
				path = args[0]
			}
			report := checkReport{Path: path}

			if _, err := os.Stat(path); err == nil {
				report.Exists = true
				issues, err := config.CheckFile(path)
				if err != nil {
					return WrapExitError(ExitCommandError, "check", err)
				}
				report.Errors = append(report.Errors, issues...)
			}

			cfg, err := config.Load(path)
			if err != nil {
				return WrapExitError(ExitCommandError, "check", err)
			}
			findings := config.Inspect(cfg)
			report.Errors = append(report.Errors, findings.Errors()...)
			report.Warnings = findings.Warnings()

			if err := root.printer(cmd).Print(report, func(w io.Writer) {
				if !report.Exists {
					fmt.Fprintf(w, "%s does not exist; defaults apply\n", path)
				}
				for _, e := range report.Errors {
					fmt.Fprintf(w, "error: %s: %s\n", e.Field, e.Message)
				}
				for _, e := range report.Warnings {
					fmt.Fprintf(w, "warning: %s: %s\n", e.Field, e.Message)
				}
				if len(report.Errors) == 0 {
					fmt.Fprintln(w, "OK")
				}
			}); err != nil {
				return err
			}
			if len(report.Errors) > 0 {
				return NewExitError(ExitFailure, fmt.Sprintf("%d problem(s) in %s", len(report.Errors), path))
			}
			return nil
		},
	}
}

func newConfigImportCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import <legacy-settings.json>",
		Short: "Convert the desktop editor's " + config.LegacySettingsFile,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, res, err := config.ImportLegacySettings(args[0], root.ConfigPath)
			if err != nil {
				return WrapExitError(ExitCommandError, "import", err)
			}
			root.cfg = cfg
			return root.printer(cmd).Print(res, func(w io.Writer) {
				fmt.Fprintf(w, "Wrote %s\n", root.ConfigPath)
				for _, c := range res.Changes {
					fmt.Fprintf(w, "  %s\n", c)
				}
				for _, wn := range res.Warnings {
					fmt.Fprintf(w, "  warning: %s\n", wn)
				}
			})
		},
	}
}
