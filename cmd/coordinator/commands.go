package main

import (
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/dreamware/gridcalc/internal/calculation"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readEnvelope builds the submitted calculation from --file (or stdin with
// "-") or from --bin and --params.
func readEnvelope(cmd *cobra.Command, file, bin, params string) (json.RawMessage, error) {
	if file != "" {
		var (
			data []byte
			err  error
		)
		if file == "-" {
			data, err = io.ReadAll(cmd.InOrStdin())
		} else {
			data, err = os.ReadFile(file)
		}
		if err != nil {
			return nil, errors.Wrap(err, "read calculation")
		}
		return data, nil
	}
	if bin == "" {
		return nil, errors.New("either --file or --bin is required")
	}
	env := calculation.Envelope{Bin: bin, Params: map[string]any{}}
	if params != "" {
		if err := json.Unmarshal([]byte(params), &env.Params); err != nil {
			return nil, errors.Wrap(err, "--params must be a JSON object")
		}
	}
	return env.Marshal()
}

func newSubmitCmd(root *rootOptions) *cobra.Command {
	var (
		file, bin, params string
		wait              bool
		poll              time.Duration
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a calculation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, err := readEnvelope(cmd, file, bin, params)
			if err != nil {
				return err
			}
			c, err := root.client()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			id, err := c.Submit(ctx, body)
			if err != nil {
				return err
			}
			if !wait {
				return printJSON(cmd.OutOrStdout(), map[string]string{"id": id})
			}

			t := time.NewTicker(poll)
			defer t.Stop()
			for {
				snap, err := c.Status(ctx, id)
				if err != nil {
					return err
				}
				if snap.State.Terminal() {
					out, err := c.Consume(ctx, id)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), out)
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-t.C:
				}
			}
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "calculation envelope file, - for stdin")
	cmd.Flags().StringVar(&bin, "bin", "", "plugin that computes the calculation")
	cmd.Flags().StringVar(&params, "params", "", "calculation parameters as a JSON object")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the outcome and consume it")
	cmd.Flags().DurationVar(&poll, "poll", 500*time.Millisecond, "status polling interval with --wait")
	return cmd
}

func newStatusCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status [id]",
		Short: "Show one calculation, or all of them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := root.client()
			if err != nil {
				return err
			}
			if len(args) == 0 {
				list, err := c.List(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), list)
			}
			snap, err := c.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), snap)
		},
	}
}

func newCancelCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a running calculation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := root.client()
			if err != nil {
				return err
			}
			return c.Cancel(cmd.Context(), args[0])
		},
	}
}

func newConsumeCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "consume <id>",
		Short: "Print a finished calculation's outcome and remove it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := root.client()
			if err != nil {
				return err
			}
			out, err := c.Consume(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func newSessionsCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List connected workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := root.client()
			if err != nil {
				return err
			}
			infos, err := c.Sessions(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), infos)
		},
	}
}

func newStateCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Print the coordinator's state report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := root.client()
			if err != nil {
				return err
			}
			report, err := c.State(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
}

func newShutdownCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown",
		Short: "Stop a running coordinator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := root.client()
			if err != nil {
				return err
			}
			return c.Shutdown(cmd.Context())
		},
	}
}
