package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"taleforge/gateway"
	"taleforge/internal"
	"taleforge/publish"
	"taleforge/store"
	"taleforge/utils"
)

var (
	uploadBinary bool
	outputPath   string
	databasePath string
	localOrigin  string
	uploadDir    string
)

var uploadCmd = &cobra.Command{
	Use:   "upload [--binary] <file>",
	Short: "Upload a file and print its content address",
	Long: `Upload a file through the credential pool. Text files are wrapped in a JSON
envelope; --binary uploads the raw bytes (images, archives) instead.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return reportError(runUpload(cmd, args[0]))
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download [-o output] <address>",
	Short: "Download content by address",
	Long: `Download content from the public gateway. The address may be a bare CID,
an ipfs:// URI or a gateway URL. Without -o the payload is written to stdout.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return reportError(runDownload(cmd, args[0]))
	},
}

var urlCmd = &cobra.Command{
	Use:   "url <address>",
	Short: "Print the public gateway URL for an address",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		address, err := utils.ParseAddress(args[0])
		if err != nil {
			return reportError(err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), utils.GatewayURL(config.GatewayHost, address))
		return nil
	},
}

var publishCmd = &cobra.Command{
	Use:   "publish [--db path] <chapter-id>",
	Short: "Upload a draft chapter's illustrations and submit it for review",
	Long: `Upload every pending illustration of a DRAFT chapter, rewrite local image
references to gateway URLs, upload the rewritten body and move the chapter to
UNDER_REVIEW. Images that fail to upload are removed from the body.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return reportError(runPublish(cmd, args[0]))
	},
}

var credentialsCmd = &cobra.Command{
	Use:   "credentials",
	Short: "List configured gateway credentials",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		creds, err := gateway.LoadCredentials(config)
		if err != nil {
			return reportError(err)
		}
		pool, err := gateway.NewCredentialPool(creds, gateway.DefaultPoolOptions())
		if err != nil {
			return reportError(err)
		}
		printCredentialStatus(cmd, pool.Status())
		return nil
	},
}

func runUpload(cmd *cobra.Command, path string) error {
	client, closeClient, err := newGatewayClient()
	if err != nil {
		return err
	}
	defer closeClient()

	ctx, cancel := signalContext()
	defer cancel()

	var address string
	if uploadBinary {
		address, err = uploadFile(ctx, client, path)
	} else {
		var data []byte
		if data, err = os.ReadFile(path); err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		address, err = client.UploadText(ctx, string(data))
	}
	if err != nil {
		return err
	}

	internal.LogInfo("Uploaded %s", path)
	fmt.Fprintln(cmd.OutOrStdout(), address)
	fmt.Fprintln(cmd.OutOrStdout(), client.URLFor(address))
	return nil
}

func uploadFile(ctx context.Context, client *gateway.Client, path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}

	tracker := utils.NewProgressTracker(info.Size(), "Staging", progressDisabled())
	address, err := client.UploadBinary(ctx, filepath.Base(path), tracker.Reader(file))
	tracker.Finish(address)
	return address, err
}

func runDownload(cmd *cobra.Command, input string) error {
	address, err := utils.ParseAddress(input)
	if err != nil {
		return err
	}

	client, closeClient, err := newGatewayClient()
	if err != nil {
		return err
	}
	defer closeClient()

	ctx, cancel := signalContext()
	defer cancel()

	content, err := client.Download(ctx, address)
	if err != nil {
		return err
	}

	if outputPath == "" {
		_, err = cmd.OutOrStdout().Write(content.Data)
		return err
	}

	if err := utils.NewFileOperations().AtomicWrite(outputPath, content.Data, 0o644); err != nil {
		return err
	}
	internal.LogInfo("Saved %s (%s, %d bytes)", outputPath, content.ContentType, len(content.Data))
	return nil
}

func runPublish(cmd *cobra.Command, chapterID string) error {
	if databasePath != "" {
		config.DatabasePath = databasePath
	}
	if localOrigin != "" {
		config.LocalOrigin = localOrigin
	}
	if uploadDir != "" {
		config.UploadDir = uploadDir
	}

	repo, err := store.Open(config.DatabasePath)
	if err != nil {
		return err
	}
	defer repo.Close()

	client, closeClient, err := newGatewayClient()
	if err != nil {
		return err
	}
	defer closeClient()

	ctx, cancel := signalContext()
	defer cancel()

	opts := publish.OptionsFromConfig(config)
	opts.Progress = utils.NewItemProgress(progressDisabled())

	result, err := publish.New(repo, client, opts).RewriteChapterForPublish(ctx, chapterID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Chapter %s is under review\n", result.ChapterID)
	fmt.Fprintf(out, "  address:  %s\n", result.ContentAddress)
	fmt.Fprintf(out, "  url:      %s\n", client.URLFor(result.ContentAddress))
	fmt.Fprintf(out, "  uploaded: %d  failed: %d  skipped: %d  stripped: %d\n",
		result.UploadedCount, result.FailedCount, result.SkippedCount, result.StrippedCount)
	return nil
}

// progressDisabled hides progress bars in quiet mode and when stderr is not a terminal
func progressDisabled() bool {
	if config.QuietMode {
		return true
	}
	fd := os.Stderr.Fd()
	return !isatty.IsTerminal(fd) && !isatty.IsCygwinTerminal(fd)
}

func printCredentialStatus(cmd *cobra.Command, statuses []internal.CredentialStatus) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tLAST USED\tBLOCKED UNTIL")
	for _, s := range statuses {
		state := "ready"
		if s.Blocked {
			state = "blocked"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.ID, state, formatTime(s.LastUsedAt), formatTime(s.BlockedUntil))
	}
	_ = w.Flush()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}

func init() {
	uploadCmd.Flags().BoolVarP(&uploadBinary, "binary", "b", false, "Upload raw bytes instead of a text envelope")

	downloadCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Write content to this file instead of stdout")

	publishCmd.Flags().StringVar(&databasePath, "db", "", "Chapter database path (env: TALEFORGE_DB)")
	publishCmd.Flags().StringVar(&localOrigin, "origin", "", "URL prefix of local uploads (env: TALEFORGE_LOCAL_ORIGIN)")
	publishCmd.Flags().StringVar(&uploadDir, "upload-dir", "", "Directory holding local uploads (env: TALEFORGE_UPLOAD_DIR)")
}
