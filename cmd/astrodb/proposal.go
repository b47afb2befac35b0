package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"astrodb/internal/app"
	"astrodb/internal/domain"
	"astrodb/internal/store"
)

func proposalCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "proposal", Aliases: []string{"p"}, Short: "Manage proposals"}
	cmd.AddCommand(proposalSubmitCmd())
	cmd.AddCommand(proposalShowCmd())
	cmd.AddCommand(proposalStatusCmd())
	cmd.AddCommand(proposalAdvanceCmd())
	cmd.AddCommand(proposalListCmd())
	cmd.AddCommand(proposalQueueCmd())
	cmd.AddCommand(proposalRemoveCmd())
	return cmd
}

func proposalSubmitCmd() *cobra.Command {
	var targetFlags []string
	var file string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a proposal",
		Long: `Submit a proposal from --target flags (tid,a,b,exposure) or a YAML file:
  targets:
    - tid: m42
      position: {a: 83.82, b: -5.39}
      exposure_time: 120`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var targets []domain.Target
			if file != "" {
				fromFile, err := readTargetsFile(file)
				if err != nil {
					return err
				}
				targets = append(targets, fromFile...)
			}
			for _, raw := range targetFlags {
				t, err := parseTarget(raw)
				if err != nil {
					return err
				}
				targets = append(targets, t)
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				pid, err := rt.Store.SubmitProposal(ctx, targets)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"pid": pid, "status": domain.StatusQueued})
				}
				fmt.Printf("proposal %d queued with %d target(s)\n", pid, len(targets))
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVarP(&targetFlags, "target", "t", nil, "target as tid,a,b,exposure (repeatable, order kept)")
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML file with a targets list")
	return cmd
}

func proposalShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <pid>",
		Short: "Show a proposal and its targets",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := parsePID(args[0])
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				p, err := rt.Store.GetProposal(ctx, pid)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("Proposal %d (%s), created %s, updated %s\n", p.PID, p.Status, p.CreatedAt, p.UpdatedAt)
				printTargets(p.Targets)
				return nil
			})
		},
	}
}

func proposalStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <pid>",
		Short: "Print the status of a proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := parsePID(args[0])
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				st, err := rt.Store.GetStatus(ctx, pid)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"pid": pid, "status": st, "status_code": int(st)})
				}
				fmt.Println(st)
				return nil
			})
		},
	}
}

func proposalAdvanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "advance <pid> [status]",
		Short: "Move a proposal to its next status",
		Long:  "Without a status the proposal moves one step forward (queued -> running -> ready).",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := parsePID(args[0])
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				var to domain.Status
				if len(args) == 2 {
					if to, err = domain.ParseStatus(args[1]); err != nil {
						return fmt.Errorf("%w: %v", store.ErrInvalidInput, err)
					}
				} else {
					cur, err := rt.Store.GetStatus(ctx, pid)
					if err != nil {
						return err
					}
					if cur == domain.StatusReady {
						return fmt.Errorf("%w: proposal %d is already ready", store.ErrInvalidTransition, pid)
					}
					to = cur + 1
				}
				if err := rt.Store.SetStatus(ctx, pid, to); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"pid": pid, "status": to})
				}
				fmt.Printf("proposal %d is now %s\n", pid, to)
				return nil
			})
		},
	}
}

func proposalListCmd() *cobra.Command {
	var status string
	var limit int
	var after int64
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List proposals by pid",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := store.ProposalFilter{AfterPID: after, Limit: limit}
			if status != "" {
				st, err := domain.ParseStatus(status)
				if err != nil {
					return fmt.Errorf("%w: %v", store.ErrInvalidInput, err)
				}
				filter.Status = &st
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Store.ListProposals(ctx, filter)
				if err != nil {
					return err
				}
				return printProposals(items)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (queued, running, ready)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max proposals")
	cmd.Flags().Int64Var(&after, "after", 0, "only proposals with a greater pid")
	return cmd
}

func proposalQueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "List queued proposals with their targets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Store.ListQueuedProposals(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				for _, p := range items {
					fmt.Printf("Proposal %d, submitted %s\n", p.PID, p.CreatedAt)
					printTargets(p.Targets)
				}
				return nil
			})
		},
	}
}

func proposalRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <pid>",
		Short: "Delete a proposal with its targets and images",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := parsePID(args[0])
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Store.RemoveProposal(ctx, pid); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"pid": pid, "removed": true})
				}
				fmt.Printf("proposal %d removed\n", pid)
				return nil
			})
		},
	}
}

func imageCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "image", Short: "Store and read target images"}
	cmd.AddCommand(imageStoreCmd())
	cmd.AddCommand(imageListCmd())
	return cmd
}

func imageStoreCmd() *cobra.Command {
	var file, uri, contentType, capturedAt string
	var meta map[string]string
	cmd := &cobra.Command{
		Use:   "store <pid> <tid>",
		Short: "Attach an image to a target",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := parsePID(args[0])
			if err != nil {
				return err
			}
			in := domain.ImageInput{URI: uri, ContentType: contentType, CapturedAt: capturedAt}
			if file != "" {
				if in.Data, err = os.ReadFile(file); err != nil {
					return err
				}
			}
			if len(meta) > 0 {
				in.Metadata = make(map[string]any, len(meta))
				for k, v := range meta {
					in.Metadata[k] = v
				}
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				oid, err := rt.Store.StoreImage(ctx, pid, args[1], in)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": oid, "pid": pid, "tid": args[1]})
				}
				fmt.Printf("image %d stored for proposal %d target %s\n", oid, pid, args[1])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "read image bytes from this file")
	cmd.Flags().StringVar(&uri, "uri", "", "reference externally stored image data instead of --file")
	cmd.Flags().StringVar(&contentType, "content-type", "", "media type, e.g. image/fits")
	cmd.Flags().StringVar(&capturedAt, "captured-at", "", "capture time (RFC 3339)")
	cmd.Flags().StringToStringVar(&meta, "meta", nil, "metadata key=value pairs")
	return cmd
}

func imageListCmd() *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "list <pid>",
		Short: "List the images of a ready proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := parsePID(args[0])
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				images, err := rt.Store.GetImages(ctx, pid)
				if err != nil {
					return err
				}
				if outDir != "" {
					if err := writeImages(outDir, images); err != nil {
						return err
					}
				}
				if viper.GetBool("json") {
					return printJSON(images)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TID", "Bytes", "URI", "Content type", "Captured"})
				for _, img := range images {
					tw.AppendRow(table.Row{img.ID, img.TID, len(img.Data), img.URI, img.ContentType, img.CapturedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&outDir, "out", "", "write image payloads into this directory")
	return cmd
}

func printProposals(items []domain.Proposal) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"PID", "Status", "Targets", "Created", "Updated"})
	for _, p := range items {
		tw.AppendRow(table.Row{p.PID, p.Status, len(p.Targets), p.CreatedAt, p.UpdatedAt})
	}
	tw.Render()
	return nil
}

func printTargets(targets []domain.Target) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"#", "TID", "A", "B", "Exposure"})
	for i, t := range targets {
		tw.AppendRow(table.Row{i + 1, t.TID, t.Position.A, t.Position.B, t.ExposureTime})
	}
	tw.Render()
}

func writeImages(dir string, images []domain.Image) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for _, img := range images {
		if len(img.Data) == 0 {
			continue
		}
		name := fmt.Sprintf("%d-%s", img.ID, strings.ReplaceAll(img.TID, string(filepath.Separator), "_"))
		if err := os.WriteFile(filepath.Join(dir, name), img.Data, 0o644); err != nil {
			return err
		}
	}
	return nil
}

func parsePID(s string) (int64, error) {
	pid, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("%w: invalid pid %q", store.ErrInvalidInput, s)
	}
	return pid, nil
}

// parseTarget reads "tid,a,b,exposure".
func parseTarget(in string) (domain.Target, error) {
	parts := strings.Split(in, ",")
	if len(parts) != 4 {
		return domain.Target{}, fmt.Errorf("%w: target %q must be tid,a,b,exposure", store.ErrInvalidInput, in)
	}
	nums := make([]float64, 3)
	for i, raw := range parts[1:] {
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return domain.Target{}, fmt.Errorf("%w: target %q: %v", store.ErrInvalidInput, in, err)
		}
		nums[i] = v
	}
	return domain.Target{
		TID:          strings.TrimSpace(parts[0]),
		Position:     domain.Position{A: nums[0], B: nums[1]},
		ExposureTime: nums[2],
	}, nil
}

func readTargetsFile(path string) ([]domain.Target, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc struct {
		Targets []domain.Target `yaml:"targets"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", store.ErrInvalidInput, path, err)
	}
	return doc.Targets, nil
}
