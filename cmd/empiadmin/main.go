package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"empi/internal/config"
	"empi/internal/database"
	"empi/internal/export"
	"empi/internal/loader"
	"empi/internal/model"
	"empi/internal/rabbitmq"
)

func usage() {
	fmt.Println("Usage: empiadmin <config_path> <command> [args]")
	fmt.Println("Commands:")
	fmt.Println("  create-config <potential_threshold> <auto_threshold>")
	fmt.Println("  create-job <matching_config_id> <records_csv_path>")
	fmt.Println("  show-job <job_id>")
	fmt.Println("  events [after_event_id]")
	fmt.Println("  queue-export <matching_config_id>")
	fmt.Println("  export")
	os.Exit(1)
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	if len(os.Args) < 3 {
		usage()
	}
	configPath := os.Args[1]
	command := os.Args[2]
	args := os.Args[3:]

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	ctx := context.Background()
	store, err := database.New(ctx, cfg.Postgres)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to matching store")
	}
	defer store.Close()

	switch command {
	case "create-config":
		createConfig(ctx, store, args)
	case "create-job":
		createJob(ctx, cfg, store, args)
	case "show-job":
		showJob(ctx, store, args)
	case "events":
		showEvents(ctx, store, args)
	case "queue-export":
		queueExport(ctx, cfg, store, args)
	case "export":
		runExport(ctx, cfg, store)
	default:
		usage()
	}
}

func createConfig(ctx context.Context, store *database.Store, args []string) {
	if len(args) != 2 {
		usage()
	}
	potential, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		log.Fatal().Msgf("Invalid potential threshold: %v", err)
	}
	auto, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		log.Fatal().Msgf("Invalid auto threshold: %v", err)
	}
	thresholds := config.MatchingConfig{PotentialMatchThreshold: potential, AutoMatchThreshold: auto}
	if err := thresholds.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid thresholds")
	}

	cfg, err := store.CreateMatchingConfig(ctx, &model.MatchingConfig{
		PotentialMatchThreshold: potential,
		AutoMatchThreshold:      auto,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create matching config")
	}
	fmt.Printf("Matching config %d created (potential=%v auto=%v)\n",
		cfg.ID, cfg.PotentialMatchThreshold, cfg.AutoMatchThreshold)
}

func createJob(ctx context.Context, cfg *config.Config, store *database.Store, args []string) {
	if len(args) != 2 {
		usage()
	}
	configID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		log.Fatal().Msgf("Invalid matching config id: %v", err)
	}
	csvPath := args[1]

	f, err := os.Open(csvPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open records file")
	}
	defer f.Close()

	records, err := loader.ParseRecordsCSV(f)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to parse records file")
	}

	if _, err := store.GetMatchingConfig(ctx, store.Pool(), configID); err != nil {
		log.Fatal().Err(err).Msg("Matching config not found")
	}

	job, err := store.CreateJob(ctx, &model.Job{
		ConfigID:  configID,
		SourceURI: csvPath,
		JobType:   model.JobTypeImportPersonRecords,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create job")
	}
	if err := store.InsertStagingRows(ctx, store.Pool(), job.ID, records); err != nil {
		if markErr := store.MarkJobTerminal(ctx, store.Pool(), job.ID, model.StatusFailed,
			"failed to stage records"); markErr != nil {
			log.Error().Err(markErr).Msg("Failed to fail job after staging error")
		}
		log.Fatal().Err(err).Msg("Failed to stage records")
	}

	// Best effort wake-up; the scheduler polls regardless.
	if rabbit, err := rabbitmq.NewClientFromConfig(cfg.RabbitMQ); err == nil {
		defer rabbit.Close()
		if notifier, err := rabbitmq.NewJobNotifier(rabbit, cfg.RabbitMQ.ExchangeName); err == nil {
			notifier.Publish(rabbitmq.RoutingKeyJobCreated, rabbitmq.JobEvent{
				JobID:   job.ID,
				JobType: job.JobType,
				Status:  job.Status,
			})
		}
	}

	fmt.Printf("Job %d created with %d staged records\n", job.ID, len(records))
}

func showJob(ctx context.Context, store *database.Store, args []string) {
	if len(args) != 1 {
		usage()
	}
	jobID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		log.Fatal().Msgf("Invalid job id: %v", err)
	}
	job, err := store.GetJobByID(ctx, store.Pool(), jobID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load job")
	}
	fmt.Printf("Job %d  type=%s  status=%s  config=%d  source=%s\n",
		job.ID, job.JobType, job.Status, job.ConfigID, job.SourceURI)
	fmt.Printf("  created=%s  updated=%s\n", job.Created, job.Updated)
	if job.Reason != nil {
		fmt.Printf("  reason=%s\n", *job.Reason)
	}
}

func showEvents(ctx context.Context, store *database.Store, args []string) {
	var afterID int64
	if len(args) == 1 {
		var err error
		afterID, err = strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			log.Fatal().Msgf("Invalid event id: %v", err)
		}
	} else if len(args) > 1 {
		usage()
	}

	events, err := store.GetMatchEvents(ctx, afterID, 100)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load match events")
	}
	for _, ev := range events {
		line := fmt.Sprintf("Event %d  %s  %s", ev.ID, ev.Created.Format("2006-01-02 15:04:05"), ev.Type)
		if ev.Comments != nil {
			line += "  " + *ev.Comments
		}
		fmt.Println(line)
	}
	if len(events) == 0 {
		fmt.Println("No match events")
	}
}

// queueExport enqueues an export job for the matching service instead
// of running the export in-process.
func queueExport(ctx context.Context, cfg *config.Config, store *database.Store, args []string) {
	if len(args) != 1 {
		usage()
	}
	configID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		log.Fatal().Msgf("Invalid matching config id: %v", err)
	}
	if _, err := store.GetMatchingConfig(ctx, store.Pool(), configID); err != nil {
		log.Fatal().Err(err).Msg("Matching config not found")
	}

	job, err := store.CreateJob(ctx, &model.Job{
		ConfigID:  configID,
		SourceURI: "s3://" + cfg.AWS.ExportBucket + "/potential-matches",
		JobType:   model.JobTypeExportPotentialMatches,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create export job")
	}

	// Best effort wake-up; the scheduler polls regardless.
	if rabbit, err := rabbitmq.NewClientFromConfig(cfg.RabbitMQ); err == nil {
		defer rabbit.Close()
		if notifier, err := rabbitmq.NewJobNotifier(rabbit, cfg.RabbitMQ.ExchangeName); err == nil {
			notifier.Publish(rabbitmq.RoutingKeyJobCreated, rabbitmq.JobEvent{
				JobID:   job.ID,
				JobType: job.JobType,
				Status:  job.Status,
			})
		}
	}

	fmt.Printf("Export job %d queued\n", job.ID)
}

func runExport(ctx context.Context, cfg *config.Config, store *database.Store) {
	sink, err := export.NewS3Sink(cfg.AWS)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize export sink")
	}
	exporter := export.NewExporter(store, sink)
	url, err := exporter.Run(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Export failed")
	}
	fmt.Println("Export uploaded:", url)
}
