package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"platesolve/internal/grpcserver"
	"platesolve/internal/pipeline"
	"platesolve/internal/server"
	"platesolve/internal/solver"
	"platesolve/internal/watch"
)

// NewRootCmd creates the root Cobra command.
func NewRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "platesolve",
		Short: "Plate-solve astronomical images with ASTAP, astrometry.net or Watney",
		Long: `platesolve determines the sky position, scale and rotation of FITS images by
running an external solver, and can write the solution back into the image header.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newSolveCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newToolsCmd(root))
	rootCmd.AddCommand(newJobsCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newProbeCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func newSolveCmd(root *Root) *cobra.Command {
	var (
		framework    string
		updateHeader bool
		retries      int
		asJSON       bool
	)

	cmd := &cobra.Command{
		Use:   "solve <image> [image...]",
		Short: "Solve one or more FITS images",
		Long: `Solve images in order with the selected framework and print the solution.

Examples:
  platesolve solve m31.fits
  platesolve solve --framework watney --update-header lights/*.fits
  platesolve solve --retries 2 --json m42.fit`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if retries < 0 {
				return fmt.Errorf("--retries must not be negative")
			}
			if err := root.connect(framework); err != nil {
				return err
			}
			defer root.pipeline.StopCommunication()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			failed := 0
			for _, image := range args {
				abs, err := filepath.Abs(image)
				if err != nil {
					return err
				}
				res, err := root.solveWithRetry(ctx, pipeline.Request{ImagePath: abs, UpdateHeader: updateHeader}, retries)
				if err != nil {
					if ctx.Err() != nil {
						root.pipeline.Abort()
					}
					return err
				}
				if !res.Success {
					failed++
				}
				if asJSON {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					if err := enc.Encode(res); err != nil {
						return err
					}
				} else {
					printResult(out, res)
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d images failed to solve", failed, len(args))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&framework, "framework", "f", "", "solver framework (astap|astrometry|watney), default from config")
	cmd.Flags().BoolVarP(&updateHeader, "update-header", "u", false, "write the solution into the image header")
	cmd.Flags().IntVar(&retries, "retries", 0, "resubmit a failed solve up to this many times")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print results as JSON")
	return cmd
}

func defaultServe(ctx context.Context, root *Root, opts serveOptions) error {
	srvOpts := []server.Option{server.WithTools(root.tools)}
	if root.metrics != nil {
		srvOpts = append(srvOpts, server.WithMetricsHandler(root.metrics))
	}
	httpSrv := server.NewServer(opts.addr, root.store, root.pipeline, root.log, srvOpts...)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return httpSrv.Start(ctx) })
	if opts.grpcAddr != "" {
		health := grpcserver.New(opts.grpcAddr, root.pipeline, root.log)
		g.Go(func() error { return health.Start(ctx) })
	}
	if len(opts.watchDirs) > 0 {
		w, err := watch.New(opts.watchDirs, root.pipeline, root.log, watch.WithUpdateHeader(opts.updateHeader))
		if err != nil {
			return fmt.Errorf("failed to create watcher: %w", err)
		}
		g.Go(func() error { return w.Run(ctx) })
	}
	return g.Wait()
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		opts      serveOptions
		framework string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and gRPC health service",
		Long: `Start the solve service. Images can be submitted over HTTP or picked up from
watched directories; results are streamed over SSE and websocket.

Examples:
  platesolve serve --addr :8085
  platesolve serve --watch /data/captures --update-header`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.connect(framework); err != nil {
				return err
			}
			defer root.pipeline.StopCommunication()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if len(opts.watchDirs) == 0 {
				opts.watchDirs = root.cfg.Paths.WatchDirs
			}
			root.log.Info("starting server",
				"addr", opts.addr,
				"grpc_addr", opts.grpcAddr,
				"framework", root.pipeline.Framework(),
				"watch_paths", opts.watchDirs,
			)
			return root.serveFn(ctx, root, opts)
		},
	}

	cmd.Flags().StringVar(&opts.addr, "addr", root.cfg.Server.Addr, "HTTP address (host:port)")
	cmd.Flags().StringVar(&opts.grpcAddr, "grpc-addr", root.cfg.Server.GRPCAddr, "gRPC health address, empty to disable")
	cmd.Flags().StringSliceVar(&opts.watchDirs, "watch", nil, "directories to watch for new FITS files")
	cmd.Flags().BoolVarP(&opts.updateHeader, "update-header", "u", false, "write solutions of watched images into their headers")
	cmd.Flags().StringVarP(&framework, "framework", "f", "", "solver framework, default from config")
	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	var (
		framework    string
		updateHeader bool
		settle       time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch <dir> [dir...]",
		Short: "Solve new FITS files as they appear",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.connect(framework); err != nil {
				return err
			}
			defer root.pipeline.StopCommunication()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			w, err := watch.New(args, root.pipeline, root.log, watch.WithSettle(settle), watch.WithUpdateHeader(updateHeader))
			if err != nil {
				return err
			}
			events, unsubscribe := root.pipeline.Subscribe()
			defer unsubscribe()

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return w.Run(ctx) })
			g.Go(func() error {
				for {
					select {
					case <-ctx.Done():
						return nil
					case ev, ok := <-events:
						if !ok {
							return nil
						}
						if ev.Kind == pipeline.EventResult && ev.Result != nil {
							printResult(cmd.OutOrStdout(), *ev.Result)
						}
					}
				}
			})
			return g.Wait()
		},
	}

	cmd.Flags().StringVarP(&framework, "framework", "f", "", "solver framework, default from config")
	cmd.Flags().BoolVarP(&updateHeader, "update-header", "u", false, "write the solution into each image header")
	cmd.Flags().DurationVar(&settle, "settle", watch.DefaultSettle, "quiet period before a new file is solved")
	return cmd
}

func newToolsCmd(root *Root) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "tools [framework]",
		Short: "Show solver program and index availability",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var statuses []solver.ToolStatus
			if len(args) == 1 {
				st, err := root.tools.Status(args[0])
				if err != nil {
					return err
				}
				statuses = []solver.ToolStatus{st}
			} else {
				statuses = root.tools.StatusAll()
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(statuses)
			}

			active := root.pipeline.Framework()
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "FRAMEWORK\tDEVICE\tPROGRAM\tINDEX\tAPP PATH\tINDEX PATH")
			for _, st := range statuses {
				name := st.Framework
				if name == active {
					name += "*"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", name, st.Device, mark(st.Program), mark(st.Index), st.AppPath, st.IndexPath)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func mark(ok bool) string {
	if ok {
		return "yes"
	}
	return "no"
}

func newJobsCmd(root *Root) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List recent solve jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			recs, err := root.store.RecentJobs(limit)
			if err != nil {
				return fmt.Errorf("list jobs: %w", err)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tFRAMEWORK\tIMAGE\tCREATED\tERROR")
			for _, rec := range recs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					rec.ID, rec.Status, rec.Framework, filepath.Base(rec.ImagePath),
					rec.CreatedAt.Local().Format(time.DateTime), rec.Error)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of jobs to show")
	return cmd
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show configuration settings",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Config file: %s\n\n", configPathLabel())
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(root.cfg)
		},
	}

	cmd.AddCommand(showCmd)
	return cmd
}

func newProbeCmd(root *Root) *cobra.Command {
	var (
		addr    string
		service string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Query the gRPC health service of a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			resp, err := grpcserver.Probe(ctx, addr, service)
			if err != nil {
				return fmt.Errorf("probe %s: %w", addr, err)
			}
			text, err := grpcserver.FormatResponse(resp)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), text)
			if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
				return errors.New("service not serving")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "localhost"+root.cfg.Server.GRPCAddr, "gRPC health address")
	cmd.Flags().StringVar(&service, "service", grpcserver.ServiceName, "health service name")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "probe timeout")
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println("platesolve " + Version)
		},
	}
}
