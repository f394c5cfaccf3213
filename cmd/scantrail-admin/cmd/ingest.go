package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/scantrail/api/internal/app/ingest"
	"github.com/scantrail/api/internal/config"
	"github.com/scantrail/api/internal/infra/fetchers"
	"github.com/scantrail/api/internal/infra/jobs"
	"github.com/scantrail/api/pkg/domain/shared"
	"github.com/scantrail/api/pkg/logger"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <location>...",
	Short: "Ingest a batch of scan export files",
	Long: `Ingest one or more scan export files as a single atomic batch.

Each location is a file, a directory of export files, or an s3:// URL.
Filenames must carry the report run date (MM-DD-YYYY.json, MM-DD-YYYY.csv,
optionally .gz). The batch either commits whole or leaves no trace.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().String("batch-id", "", "Reuse a batch ID (for retries)")
	ingestCmd.Flags().Bool("queue", false, "Enqueue for the background worker instead of ingesting inline")
}

func runIngest(cmd *cobra.Command, args []string) error {
	accountID, err := requireAccount()
	if err != nil {
		return err
	}

	if queued, _ := cmd.Flags().GetBool("queue"); queued {
		return enqueueIngest(cmd, accountID, args)
	}

	env, err := newEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	ctx := context.Background()

	files, err := fetchLocations(ctx, env, args)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no export files found at %v", args)
	}

	batchID, _ := cmd.Flags().GetString("batch-id")
	upload := ingest.UploadCommand{
		AccountID: accountID,
		BatchID:   batchID,
		Files:     make([]ingest.FileInput, 0, len(files)),
	}
	for _, f := range files {
		upload.Files = append(upload.Files, ingest.FileInput{Filename: f.Name, Data: f.Data})
	}

	out, err := env.ingest.Upload(ctx, upload)
	if err != nil {
		return err
	}

	if flagOutput == outputJSON {
		printJSON(out)
		return nil
	}

	t := newTable("FILE", "RUN DATE", "FORMAT", "CREATED", "REFRESHED", "FIXED", "SKIPPED")
	for _, fr := range out.Files {
		t.AddRow(
			fr.Filename,
			formatDate(fr.RunDate),
			string(fr.Format),
			fmt.Sprintf("%d", fr.Created),
			fmt.Sprintf("%d", fr.Refreshed),
			fmt.Sprintf("%d", fr.Fixed),
			fmt.Sprintf("%d", fr.Skipped),
		)
	}
	t.Flush()

	for _, fr := range out.Files {
		for _, d := range fr.Diagnostics {
			fmt.Fprintf(os.Stderr, "skipped %s record %d: %s\n", fr.Filename, d.Index, d.Reason)
		}
	}

	fmt.Printf("\nBatch %s committed (%d files)\n", out.BatchID, len(out.Files))
	return nil
}

// enqueueIngest hands each location to the background worker as its own
// batch. The worker fetches the files itself, so only locations travel
// through the queue.
func enqueueIngest(cmd *cobra.Command, accountID string, locations []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	client, err := jobs.NewClient(jobs.ClientConfig{
		RedisAddr:     cfg.Redis.Addr(),
		RedisPassword: cfg.Redis.Password,
		RedisDB:       cfg.Redis.DB,
	}, logger.New(logger.Config{Level: "error", Format: "text"}))
	if err != nil {
		return fmt.Errorf("connecting to queue: %w", err)
	}
	defer client.Close()

	ctx := context.Background()
	batchID, _ := cmd.Flags().GetString("batch-id")

	for _, location := range locations {
		id := batchID
		if id == "" || len(locations) > 1 {
			id = shared.NewID().String()
		}
		payload := jobs.IngestBatchPayload{
			AccountID: accountID,
			BatchID:   id,
			Location:  location,
		}
		if err := client.EnqueueIngestBatch(ctx, payload); err != nil {
			return err
		}
		fmt.Printf("Queued batch %s for %s\n", id, location)
	}
	return nil
}

func fetchLocations(ctx context.Context, e *env, locations []string) ([]fetchers.File, error) {
	opts := fetchers.FetchOptions{
		Extensions:  []string{".json", ".csv", ".json.gz", ".csv.gz"},
		MaxFileSize: e.cfg.Ingest.MaxFileSize,
		MaxFiles:    e.cfg.Ingest.MaxFilesPerBatch,
	}

	local := fetchers.NewFileFetcher()
	var s3 fetchers.Fetcher

	var files []fetchers.File
	for _, location := range locations {
		fetcher := fetchers.Fetcher(local)
		if fetchers.IsS3Location(location) {
			if s3 == nil {
				f, err := fetchers.NewS3Fetcher(ctx, &e.cfg.S3)
				if err != nil {
					return nil, fmt.Errorf("configuring s3 fetcher: %w", err)
				}
				s3 = f
			}
			fetcher = s3
		}

		fetched, err := fetcher.Fetch(ctx, location, opts)
		if err != nil {
			return nil, fmt.Errorf("fetching %s: %w", location, err)
		}
		files = append(files, fetched...)
	}
	return files, nil
}

func requireAccount() (string, error) {
	account := flagAccount
	if account == "" {
		account = os.Getenv("SCANTRAIL_ACCOUNT")
	}
	if account == "" {
		return "", fmt.Errorf("account ID required: use --account or SCANTRAIL_ACCOUNT")
	}
	return account, nil
}
