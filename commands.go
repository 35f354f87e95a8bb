package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"archrender/codec"
	"archrender/core"
	"archrender/credits"
	"archrender/db"
	"archrender/export"
	"archrender/imagegen"
	"archrender/imaging"
	"archrender/metrics"
	"archrender/proxy"
)

type generateOptions struct {
	tool   string
	prompt string
	images []string
	mask   string
	angles []string
	ratio  string
	count  int
	tier   string
	export bool
}

func (a *App) newGenerateCommand() *cobra.Command {
	opts := &generateOptions{}
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Run a priced generation tool",
		Long: `Generate images with one of the studio tools: render, inpaint, view-sync,
renovation or poster. Credits are deducted up front and refunded if the job
produces nothing.`,
		Example: `  archrender generate --prompt "timber pavilion at dusk" --ratio 4:3 --count 2
  archrender generate --tool inpaint --image room.png --mask mask.png --prompt "add a skylight"
  archrender generate --tool view-sync --image facade.jpg --angle "aerial view" --angle "street level"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runGenerate(cmd.Context(), opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.tool, "tool", string(credits.ToolRender), "render, inpaint, view-sync, renovation or poster")
	f.StringVarP(&opts.prompt, "prompt", "p", "", "text prompt")
	f.StringArrayVarP(&opts.images, "image", "i", nil, "input image file (repeatable)")
	f.StringVar(&opts.mask, "mask", "", "mask image for inpaint")
	f.StringArrayVar(&opts.angles, "angle", nil, "camera angle for view-sync (repeatable)")
	f.StringVar(&opts.ratio, "ratio", "1:1", "aspect ratio: 1:1, 16:9, 9:16, 4:3 or 3:4")
	f.IntVarP(&opts.count, "count", "n", 1, "number of images")
	f.StringVar(&opts.tier, "tier", string(imaging.TierStandard), "quality tier: standard or pro")
	f.BoolVar(&opts.export, "export", false, "save results to the downloads directory")
	_ = cmd.MarkFlagRequired("prompt")
	return cmd
}

func (a *App) runGenerate(ctx context.Context, opts *generateOptions) error {
	ratio, err := imaging.ParseAspectRatio(opts.ratio)
	if err != nil {
		return err
	}
	tier, err := imaging.ParseTier(opts.tier)
	if err != nil {
		return err
	}
	if opts.count < 1 || opts.count > imagegen.MaxImagesPerRequest {
		return fmt.Errorf("%w: count must be between 1 and %d", imagegen.ErrInvalidRequest, imagegen.MaxImagesPerRequest)
	}
	images, err := loadImages(opts.images)
	if err != nil {
		return err
	}

	notifier := a.notifier()
	rt, err := a.buildStudio(notifier)
	if err != nil {
		return err
	}

	var source string
	if len(opts.images) > 0 {
		source = opts.images[0]
	}
	tool := credits.Tool(opts.tool)

	var result *imagegen.GenerationResult
	err = a.manager.Track(ctx, "generate", func(ctx context.Context) error {
		var err error
		switch tool {
		case credits.ToolRender, credits.ToolRenovation, credits.ToolPoster:
			p := credits.RenderParams{
				UserID:         a.userID,
				Prompt:         opts.prompt,
				Images:         images,
				AspectRatio:    ratio,
				Count:          opts.count,
				Tier:           tier,
				SourceImageURL: source,
			}
			switch tool {
			case credits.ToolRenovation:
				result, err = rt.studio.Renovate(ctx, p)
			case credits.ToolPoster:
				result, err = rt.studio.Poster(ctx, p)
			default:
				result, err = rt.studio.Render(ctx, p)
			}
		case credits.ToolInpaint:
			if len(images) != 1 {
				return fmt.Errorf("%w: inpaint takes exactly one --image", imagegen.ErrInvalidRequest)
			}
			var mask imagegen.InputImage
			if opts.mask != "" {
				if mask, err = loadImage(opts.mask); err != nil {
					return err
				}
			}
			result, err = rt.studio.Inpaint(ctx, credits.InpaintParams{
				UserID:         a.userID,
				Prompt:         opts.prompt,
				Image:          images[0],
				Mask:           mask,
				AspectRatio:    ratio,
				Tier:           tier,
				SourceImageURL: source,
			})
		case credits.ToolViewSync:
			if len(images) != 1 {
				return fmt.Errorf("%w: view-sync takes exactly one --image", imagegen.ErrInvalidRequest)
			}
			result, err = rt.studio.ViewSync(ctx, credits.ViewSyncParams{
				UserID:         a.userID,
				Prompt:         opts.prompt,
				Image:          images[0],
				Angles:         opts.angles,
				AspectRatio:    ratio,
				Tier:           tier,
				SourceImageURL: source,
			})
		default:
			return fmt.Errorf("%w: unknown tool %q", imagegen.ErrInvalidRequest, opts.tool)
		}
		return err
	})
	if err != nil {
		return err
	}

	out := generateOutput{
		Tool:      string(tool),
		URLs:      result.URLs,
		MediaIDs:  result.MediaIDs,
		ProjectID: result.ProjectID,
		Failed:    result.Failed,
	}
	a.logger.Debug("Session activity", zap.Any("summary", rt.recorder.Activity().Summary(0)))
	if opts.export {
		out.Exports = a.exportAll(ctx, rt, string(tool), result.URLs)
	}
	if a.jsonOutput {
		return a.writeJSON(out)
	}
	if result.Failed > 0 {
		warnColor.Fprintf(a.stderr, "%d of %d images failed\n", result.Failed, result.Failed+len(result.URLs))
	}
	for i, u := range result.URLs {
		line := u
		if i < len(result.MediaIDs) && result.MediaIDs[i] != "" {
			line = fmt.Sprintf("%s  (media %s)", u, result.MediaIDs[i])
		}
		notifier.success("%s\n", line)
	}
	a.printExports(out.Exports)
	return nil
}

type generateOutput struct {
	Tool      string         `json:"tool"`
	URLs      []string       `json:"urls"`
	MediaIDs  []string       `json:"media_ids,omitempty"`
	ProjectID string         `json:"project_id,omitempty"`
	Failed    int            `json:"failed,omitempty"`
	Exports   []exportOutput `json:"exports,omitempty"`
}

type exportOutput struct {
	URL      string `json:"url"`
	Location string `json:"location"`
	Strategy string `json:"strategy"`
	Opened   bool   `json:"opened,omitempty"`
}

func (a *App) exportAll(ctx context.Context, rt *studioRuntime, prefix string, urls []string) []exportOutput {
	stamp := time.Now().Format("20060102-150405")
	out := make([]exportOutput, 0, len(urls))
	for i, u := range urls {
		out = append(out, a.exportOne(ctx, rt, u, fmt.Sprintf("%s-%s-%d", prefix, stamp, i+1)))
	}
	return out
}

func (a *App) printExports(exports []exportOutput) {
	for _, e := range exports {
		if e.Opened {
			warnColor.Fprintf(a.stdout, "could not save automatically, open %s\n", e.URL)
			continue
		}
		fmt.Fprintf(a.stdout, "saved %s (%s)\n", e.Location, e.Strategy)
	}
}

type upscaleOptions struct {
	mediaID    string
	projectID  string
	resolution string
	ratio      string
	export     bool
}

func (a *App) newUpscaleCommand() *cobra.Command {
	opts := &upscaleOptions{}
	cmd := &cobra.Command{
		Use:   "upscale",
		Short: "Upscale a generated image to 2K or 4K",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runUpscale(cmd.Context(), opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.mediaID, "media-id", "", "media id of the generated image")
	f.StringVar(&opts.projectID, "project-id", "", "project id returned by generate")
	f.StringVar(&opts.resolution, "resolution", string(imagegen.Resolution2K), "2K or 4K")
	f.StringVar(&opts.ratio, "ratio", "", "crop the result to 4:3 or 3:4")
	f.BoolVar(&opts.export, "export", false, "save the result to the downloads directory")
	_ = cmd.MarkFlagRequired("media-id")
	return cmd
}

func (a *App) runUpscale(ctx context.Context, opts *upscaleOptions) error {
	res, err := imagegen.ParseUpscaleResolution(opts.resolution)
	if err != nil {
		return err
	}
	var ratio imaging.AspectRatio
	if opts.ratio != "" {
		if ratio, err = imaging.ParseAspectRatio(opts.ratio); err != nil {
			return err
		}
	}

	notifier := a.notifier()
	rt, err := a.buildStudio(notifier)
	if err != nil {
		return err
	}

	var result *imagegen.UpscaleResult
	err = a.manager.Track(ctx, "upscale", func(ctx context.Context) error {
		var err error
		result, err = rt.studio.Upscale(ctx, credits.UpscaleParams{
			UserID:      a.userID,
			MediaID:     opts.mediaID,
			ProjectID:   opts.projectID,
			Resolution:  res,
			AspectRatio: ratio,
		})
		return err
	})
	if err != nil {
		return err
	}

	out := generateOutput{Tool: string(credits.ToolUpscale), URLs: []string{result.URL}, ProjectID: opts.projectID}
	if result.MediaID != "" {
		out.MediaIDs = []string{result.MediaID}
	}
	if opts.export {
		out.Exports = a.exportAll(ctx, rt, "upscale-"+string(res), out.URLs)
	}
	if a.jsonOutput {
		return a.writeJSON(out)
	}
	notifier.success("%s\n", result.URL)
	a.printExports(out.Exports)
	return nil
}

func (a *App) newDownloadCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "download <url> [filename]",
		Short: "Save an image through the export strategy chain",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			downloader, err := imagegen.NewDownloader(a.cfg, a.logger)
			if err != nil {
				return err
			}
			saver, err := a.newSaver()
			if err != nil {
				return err
			}
			rt := &studioRuntime{exporter: export.NewExporter(downloader, saver, nil, a.logger)}
			var exports []exportOutput
			if len(args) == 2 {
				exports = []exportOutput{a.exportOne(cmd.Context(), rt, args[0], args[1])}
			} else {
				exports = a.exportAll(cmd.Context(), rt, "image", args[:1])
			}
			if a.jsonOutput {
				return a.writeJSON(exports)
			}
			a.printExports(exports)
			return nil
		},
	}
}

func (a *App) exportOne(ctx context.Context, rt *studioRuntime, url, name string) exportOutput {
	res := rt.exporter.ForceDownload(ctx, url, name)
	return exportOutput{URL: url, Location: res.Location, Strategy: res.Strategy, Opened: res.Opened}
}

func (a *App) newServeCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the image proxy with health and metrics endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = a.cfg.ProxyListenAddr
			}
			st, err := a.openStore()
			if err != nil {
				return err
			}
			recorder := metrics.NewRecorder(core.Version)

			ctx := cmd.Context()
			st.database.StartCleanupScheduler(ctx, db.CleanupSchedulerConfig{
				RetentionDays: core.ParseIntEnv("HISTORY_RETENTION_DAYS", 90),
				Interval:      24 * time.Hour,
				OnCleanup: func(result db.CleanupResult, err error) {
					if err != nil {
						a.logger.Warn("History cleanup failed", zap.Error(err))
						return
					}
					a.logger.Info("History cleanup finished",
						zap.Int64("deleted", result.HistoryDeleted),
						zap.Duration("duration", result.Duration))
				},
			})

			server := proxy.NewServer(proxy.ConfigFromCore(a.cfg), a.logger,
				proxy.WithRecorder(recorder),
				proxy.WithMetricsHandler(recorder.Handler()),
				proxy.WithStatusHandler(recorder.StatusHandler()),
				proxy.WithHealthCheck("database", st.database.Ping),
			)
			a.logger.Info("Starting image proxy", zap.String("addr", addr), zap.String("path", proxy.ImagePath))
			return server.Serve(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default PROXY_LISTEN_ADDR)")
	return cmd
}

func (a *App) newCreditsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credits",
		Short: "Inspect and manage the credits ledger",
	}

	balance := &cobra.Command{
		Use:   "balance",
		Short: "Show the current balance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStore()
			if err != nil {
				return err
			}
			bal, err := st.ledger.Balance(cmd.Context(), a.userID)
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return a.writeJSON(map[string]any{"user": a.userID, "balance": bal})
			}
			fmt.Fprintf(a.stdout, "%s: %d credits\n", a.userID, bal)
			return nil
		},
	}

	var description string
	grant := &cobra.Command{
		Use:   "grant <amount>",
		Short: "Add credits to the account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.Atoi(args[0])
			if err != nil || amount <= 0 {
				return fmt.Errorf("amount must be a positive integer, got %q", args[0])
			}
			st, err := a.openStore()
			if err != nil {
				return err
			}
			id, err := st.ledger.Grant(cmd.Context(), a.userID, amount, description)
			if err != nil {
				return err
			}
			bal, err := st.ledger.Balance(cmd.Context(), a.userID)
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return a.writeJSON(map[string]any{"user": a.userID, "record_id": id, "balance": bal})
			}
			successColor.Fprintf(a.stdout, "granted %d credits to %s, balance %d\n", amount, a.userID, bal)
			return nil
		},
	}
	grant.Flags().StringVar(&description, "description", "manual grant", "ledger description")

	var historyLimit int
	history := &cobra.Command{
		Use:   "history",
		Short: "List recent generation results",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStore()
			if err != nil {
				return err
			}
			records, err := st.history.Recent(cmd.Context(), a.userID, historyLimit)
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return a.writeJSON(records)
			}
			tw := newTable(a.stdout)
			fmt.Fprintln(tw, "TIME\tTOOL\tRESULT\tPROMPT")
			for _, r := range records {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.CreatedAt.Local().Format(time.DateTime), r.Tool, r.ResultImageURL, truncate(r.Prompt, 48))
			}
			return tw.Flush()
		},
	}
	history.Flags().IntVar(&historyLimit, "limit", 20, "maximum rows")

	var ledgerLimit int
	ledger := &cobra.Command{
		Use:   "ledger",
		Short: "List ledger entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStore()
			if err != nil {
				return err
			}
			entries, err := st.ledger.Entries(cmd.Context(), a.userID, ledgerLimit)
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return a.writeJSON(entries)
			}
			tw := newTable(a.stdout)
			fmt.Fprintln(tw, "TIME\tKIND\tAMOUNT\tDESCRIPTION\tID")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", e.CreatedAt.Local().Format(time.DateTime), e.Kind, e.Amount, e.Description, e.ID)
			}
			return tw.Flush()
		},
	}
	ledger.Flags().IntVar(&ledgerLimit, "limit", 50, "maximum rows")

	cmd.AddCommand(balance, grant, history, ledger)
	return cmd
}

func (a *App) newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.jsonOutput {
				return a.writeJSON(map[string]string{
					"version":    core.Version,
					"commit":     core.GitCommit,
					"build_time": core.BuildTime,
				})
			}
			fmt.Fprintf(a.stdout, "archrender %s\n", core.GetVersionInfo())
			return nil
		},
	}
}

func (a *App) notifier() *consoleNotifier {
	if a.jsonOutput {
		return newConsoleNotifier(a.stderr)
	}
	return newConsoleNotifier(a.stdout)
}

func (a *App) writeJSON(v any) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func loadImages(paths []string) ([]imagegen.InputImage, error) {
	images := make([]imagegen.InputImage, 0, len(paths))
	for _, p := range paths {
		img, err := loadImage(p)
		if err != nil {
			return nil, err
		}
		images = append(images, img)
	}
	return images, nil
}

// loadImage reads a local image file as a base64 InputImage.
func loadImage(path string) (imagegen.InputImage, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return imagegen.InputImage{}, fmt.Errorf("read image: %w", err)
	}
	if len(data) == 0 {
		return imagegen.InputImage{}, fmt.Errorf("read image %s: %w", path, codec.ErrEmptyPayload)
	}
	return imagegen.InputImage{
		Data:     base64.StdEncoding.EncodeToString(data),
		MimeType: codec.DetectContentType(data),
	}, nil
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
