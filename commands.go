package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"github.com/HugeFrog24/gpt-perception-rater/utils"
)

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "rater",
		Usage: "Rate video clips and images on a fixed social-perception rubric with a vision model",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "YAML config file (default ./rater.yaml if present)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn or error",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "text or json",
			},
		},
		Commands: []*cli.Command{
			extractCommand(),
			transcribeCommand(),
			markCommand(),
			rateCommand(),
			parseCommand(),
			requeueCommand(),
			similarCommand(),
			vocabularyCommand(),
		},
	}
}

// setup loads the configuration and applies the global flags to it.
func setup(cmd *cli.Command) (*utils.Config, *slog.Logger, error) {
	cfg, err := utils.LoadConfig(cmd.String("config"))
	if err != nil {
		return nil, nil, err
	}
	if v := cmd.String("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if v := cmd.String("log-format"); v != "" {
		cfg.LogFormat = v
	}
	logger := utils.NewLogger(errWriter(cmd), cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func errWriter(cmd *cli.Command) io.Writer {
	if w := cmd.Root().ErrWriter; w != nil {
		return w
	}
	return os.Stderr
}

func outWriter(cmd *cli.Command) io.Writer {
	if w := cmd.Root().Writer; w != nil {
		return w
	}
	return os.Stdout
}

func stringOr(cmd *cli.Command, name, fallback string) string {
	if cmd.IsSet(name) {
		return cmd.String(name)
	}
	return fallback
}

func extractCommand() *cli.Command {
	return &cli.Command{
		Name:  "extract",
		Usage: "Extract sampled frames and the audio track of every .mp4 in a folder",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "videos", Aliases: []string{"i"}, Usage: "folder with source videos", Required: true},
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "folder for per-video frame/audio subfolders", Required: true},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			_, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			extractor := utils.NewRealMediaExtractor(logger)
			results, err := utils.ExtractDirectory(ctx, cmd.String("videos"), cmd.String("out"), extractor, logger)
			logger.Info("extraction finished", "videos", len(results))
			return err
		},
	}
}

func transcribeCommand() *cli.Command {
	return &cli.Command{
		Name:  "transcribe",
		Usage: "Transcribe the audio of every bundle folder to a .txt next to it",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "folder", Aliases: []string{"f"}, Usage: "folder of bundle subfolders", Required: true},
			&cli.StringFlag{Name: "processed", Usage: "log of transcribed bundles"},
			&cli.DurationFlag{Name: "chunk", Usage: "split audio longer than this before upload"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			chunk := cfg.ChunkDuration
			if cmd.IsSet("chunk") {
				chunk = cmd.Duration("chunk")
			}
			transcriber, err := utils.NewRealAudioTranscriber(cfg.OpenAI, logger)
			if err != nil {
				return err
			}
			_, err = utils.TranscribeDirectory(ctx, cmd.String("folder"), stringOr(cmd, "processed", cfg.Files.AudioProcessed), transcriber, chunk, logger)
			return err
		},
	}
}

func markCommand() *cli.Command {
	return &cli.Command{
		Name:  "mark",
		Usage: "Flag transcripts that open with a known hallucinated phrase",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "folder", Aliases: []string{"f"}, Usage: "folder of bundle subfolders", Required: true},
			&cli.StringFlag{Name: "index", Usage: "where to write the marked transcript index"},
			&cli.StringSliceFlag{Name: "phrase", Usage: "opening phrase to flag (repeatable)"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			phrases := cfg.MarkPhrases
			if cmd.IsSet("phrase") {
				phrases = cmd.StringSlice("phrase")
			}
			marked, err := utils.MarkTranscripts(cmd.String("folder"), phrases)
			if err != nil {
				return err
			}
			index := stringOr(cmd, "index", cfg.Files.MarkedIndex)
			if err := utils.WriteMarkedIndex(index, marked); err != nil {
				return err
			}
			logger.Info("transcripts marked", "count", len(marked), "index", index)
			return nil
		},
	}
}

func rateCommand() *cli.Command {
	return &cli.Command{
		Name:  "rate",
		Usage: "Send every unprocessed work item to the model and log the raw replies",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "folder", Aliases: []string{"f"}, Usage: "folder of images or bundle subfolders", Required: true},
			&cli.StringFlag{Name: "mode", Aliases: []string{"m"}, Usage: "images or bundles", Value: string(utils.ModeImages)},
			&cli.StringFlag{Name: "progress", Usage: "progress log of completed items"},
			&cli.StringFlag{Name: "responses", Usage: "response log the raw replies are appended to"},
			&cli.StringFlag{Name: "exclusions", Usage: "marked transcript index"},
			&cli.StringFlag{Name: "model", Usage: "model identifier"},
			&cli.BoolFlag{Name: "pace", Usage: "wait for the next full minute after each item"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			mode, err := utils.ParseItemMode(cmd.String("mode"))
			if err != nil {
				return cli.Exit(err.Error(), 2)
			}
			dispatchCfg, err := cfg.DispatchConfigFor(mode)
			if err != nil {
				return err
			}
			if cmd.IsSet("model") {
				dispatchCfg.Model = cmd.String("model")
			}
			if cmd.IsSet("pace") {
				dispatchCfg.PaceToMinute = cmd.Bool("pace")
			}

			folder := cmd.String("folder")
			var items []utils.WorkItem
			if mode == utils.ModeBundles {
				excluded, err := utils.LoadMarkedIndex(stringOr(cmd, "exclusions", cfg.Files.MarkedIndex))
				if err != nil {
					return err
				}
				items, err = utils.DiscoverBundles(folder, cfg.ImageExtensions, excluded)
				if err != nil {
					return err
				}
			} else {
				items, err = utils.DiscoverImages(folder, cfg.ImageExtensions)
				if err != nil {
					return err
				}
			}

			progress, err := utils.LoadProgressLog(stringOr(cmd, "progress", cfg.Files.Progress))
			if err != nil {
				return err
			}
			client, err := utils.NewOpenAIRatingClient(cfg.OpenAI)
			if err != nil {
				return err
			}
			responses := utils.NewResponseLog(stringOr(cmd, "responses", cfg.Files.Responses))

			dispatcher := utils.NewDispatcher(dispatchCfg, client, progress, responses, logger)
			summary, err := dispatcher.Run(ctx, items)
			if err != nil {
				return err
			}
			if len(summary.Failed) > 0 {
				logger.Warn("items left for the next run", "items", strings.Join(summary.Failed, ", "))
			}
			return nil
		},
	}
}

func parseCommand() *cli.Command {
	return &cli.Command{
		Name:  "parse",
		Usage: "Turn the response log into a feature score table",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "responses", Usage: "response log to read"},
			&cli.StringFlag{Name: "csv", Usage: "CSV file to write"},
			&cli.StringFlag{Name: "progress", Usage: "progress log whose lines label the rows, in order"},
			&cli.BoolFlag{Name: "drop-empty", Usage: "drop columns with no value in any row"},
			&cli.BoolFlag{Name: "coverage", Usage: "report which rubric features each row is missing"},
			&cli.BoolFlag{Name: "store", Usage: "also save the table to Postgres (RATER_DATABASE_URL)"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			responses := stringOr(cmd, "responses", cfg.Files.Responses)
			table, err := loadTable(cmd, cfg, logger, responses)
			if err != nil {
				return err
			}
			if cmd.Bool("drop-empty") {
				dropped := table.DropEmptyColumns()
				logger.Info("dropped empty columns", "count", len(dropped))
			}
			if cmd.Bool("coverage") {
				writeCoverage(outWriter(cmd), table)
			}

			csvPath := stringOr(cmd, "csv", cfg.Files.Scores)
			if err := table.WriteCSVFile(csvPath); err != nil {
				return err
			}
			logger.Info("score table written", "rows", len(table.Rows), "columns", len(table.Columns), "csv", csvPath)

			if cmd.Bool("store") {
				if cfg.DatabaseURL == "" {
					return cli.Exit("--store needs RATER_DATABASE_URL or database_url in the config", 2)
				}
				store, err := utils.NewPostgresScoreStore(ctx, cfg.DatabaseURL, utils.FeatureVocabulary)
				if err != nil {
					return err
				}
				defer store.Close()
				if err := store.InitSchema(ctx); err != nil {
					return err
				}
				runID, err := store.SaveTable(ctx, responses, table)
				if err != nil {
					return err
				}
				logger.Info("score table stored", "run", runID)
			}
			return nil
		},
	}
}

func requeueCommand() *cli.Command {
	return &cli.Command{
		Name:  "requeue",
		Usage: "Copy items whose reply yielded no scores into a folder for another pass",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "responses", Usage: "response log to read"},
			&cli.StringFlag{Name: "progress", Usage: "progress log whose lines label the rows, in order"},
			&cli.StringFlag{Name: "source", Usage: "folder the items were rated from", Required: true},
			&cli.StringFlag{Name: "target", Usage: "folder to copy them to", Required: true},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			table, err := loadTable(cmd, cfg, logger, stringOr(cmd, "responses", cfg.Files.Responses))
			if err != nil {
				return err
			}
			if len(table.Keys) == 0 {
				return cli.Exit("no progress log to label rows with", 2)
			}
			table.DropEmptyColumns()
			keys := utils.UnparsedKeys(table)
			copied, err := utils.RequeueItems(keys, cmd.String("source"), cmd.String("target"), logger)
			if err != nil {
				return err
			}
			logger.Info("requeue finished", "unparsed", len(keys), "copied", copied)
			return nil
		},
	}
}

func similarCommand() *cli.Command {
	return &cli.Command{
		Name:  "similar",
		Usage: "List the items of a stored run whose score vectors are closest to one item",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "run", Usage: "run id printed by parse --store", Required: true},
			&cli.StringFlag{Name: "item", Usage: "item key to compare against", Required: true},
			&cli.StringFlag{Name: "limit", Usage: "number of items to list", Value: "5"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, _, err := setup(cmd)
			if err != nil {
				return err
			}
			runID, err := uuid.Parse(cmd.String("run"))
			if err != nil {
				return fmt.Errorf("invalid run id %q: %w", cmd.String("run"), err)
			}
			limit, err := strconv.Atoi(cmd.String("limit"))
			if err != nil || limit <= 0 {
				return fmt.Errorf("invalid limit %q: want a positive number", cmd.String("limit"))
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("similar needs RATER_DATABASE_URL or database_url in the config")
			}

			store, err := utils.NewPostgresScoreStore(ctx, cfg.DatabaseURL, utils.FeatureVocabulary)
			if err != nil {
				return err
			}
			defer store.Close()
			keys, err := store.SimilarItems(ctx, runID, cmd.String("item"), limit)
			if err != nil {
				return err
			}
			w := outWriter(cmd)
			for _, key := range keys {
				fmt.Fprintln(w, key)
			}
			return nil
		},
	}
}

func vocabularyCommand() *cli.Command {
	return &cli.Command{
		Name:  "vocabulary",
		Usage: "Print the rubric features, or the full prompt with --prompt",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "prompt", Usage: "print the whole instruction text"},
			&cli.StringFlag{Name: "mode", Aliases: []string{"m"}, Usage: "images or bundles", Value: string(utils.ModeImages)},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			w := outWriter(cmd)
			if !cmd.Bool("prompt") {
				for _, f := range utils.FeatureVocabulary {
					fmt.Fprintln(w, f)
				}
				return nil
			}
			mode, err := utils.ParseItemMode(cmd.String("mode"))
			if err != nil {
				return cli.Exit(err.Error(), 2)
			}
			fmt.Fprint(w, utils.BuildPrompt(utils.PromptHeader(mode), utils.FeatureVocabulary))
			return nil
		},
	}
}

// loadTable parses the response log and, when a progress log is available,
// labels the rows with its keys by position.
func loadTable(cmd *cli.Command, cfg *utils.Config, logger *slog.Logger, responses string) (*utils.ScoreTable, error) {
	table, err := utils.ParseResponseLog(responses, cfg.RefusalMarker, logger)
	if err != nil {
		return nil, err
	}
	progressPath := stringOr(cmd, "progress", cfg.Files.Progress)
	keys, err := utils.ReadLines(progressPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read progress log '%s': %w", progressPath, err)
	}
	if len(keys) > 0 {
		if len(keys) != len(table.Rows) {
			logger.Warn("progress log and response log disagree in length, row labels may be off",
				"keys", len(keys), "rows", len(table.Rows))
		}
		table.Keys = keys
	}
	return table, nil
}

func writeCoverage(w io.Writer, table *utils.ScoreTable) {
	complete := 0
	for i, row := range table.Rows {
		report := utils.Coverage(row, utils.FeatureVocabulary)
		if report.Complete() {
			complete++
			continue
		}
		label := table.Key(i)
		if label == "" {
			label = fmt.Sprintf("row %d", i)
		}
		fmt.Fprintf(w, "%s: %d/%d matched, %d missing, %d unreadable, %d out of range, %d unknown\n",
			label, len(report.Matched), len(utils.FeatureVocabulary),
			len(report.Missing), len(report.Unreadable), len(report.OutOfRange), len(report.Unknown))
	}
	fmt.Fprintf(w, "%d of %d rows cover the full rubric\n", complete, len(table.Rows))
}
