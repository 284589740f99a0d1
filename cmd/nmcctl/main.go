// Command nmcctl seeds the question bank and runs the background corrector by hand.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/mind-engage/nmcprep/internal/config"
	"github.com/mind-engage/nmcprep/internal/corrector"
	"github.com/mind-engage/nmcprep/internal/db"
	"github.com/mind-engage/nmcprep/internal/genai"
	"github.com/mind-engage/nmcprep/internal/practice"
	"github.com/mind-engage/nmcprep/internal/storage"
	syncx "github.com/mind-engage/nmcprep/internal/sync"
)

const usage = `usage: nmcctl <command> [flags]

commands:
  seed     -file questions.json [-category Medicine]
  correct  [-category Medicine] [-topic Pharmacology] [-limit 100]
  requeue  re-run permanently failed correction batches`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	cfg := config.FromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "seed":
		err = seed(ctx, cfg, args)
	case "correct":
		err = correct(ctx, cfg, args)
	case "requeue":
		err = requeue(ctx, cfg, args)
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s: %v", os.Args[1], err)
	}
}

func open(ctx context.Context, cfg config.Config) (*sql.DB, *practice.SQLStore, error) {
	if cfg.DBDriver == "memory" {
		return nil, nil, fmt.Errorf("DB_DRIVER=memory has nothing to operate on")
	}
	openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	h, err := db.Open(openCtx, db.Driver(cfg.DBDriver), cfg.DBDSN)
	if err != nil {
		return nil, nil, err
	}
	return h, practice.NewSQLStore(h, cfg.DBDriver), nil
}

func seed(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("seed", flag.ExitOnError)
	file := fs.String("file", "", "Seed bank JSON file (required)")
	category := fs.String("category", "", "Category for every record, e.g. Medicine or Surgery")
	_ = fs.Parse(args)
	if *file == "" {
		return fmt.Errorf("-file is required")
	}

	f, err := os.Open(*file)
	if err != nil {
		return err
	}
	defer f.Close()
	qs, verr := practice.ParseSeed(f, *category)
	if verr != nil {
		for _, line := range strings.Split(verr.Error(), "\n") {
			log.Printf("skipped: %s", line)
		}
	}
	if len(qs) == 0 {
		return fmt.Errorf("no valid questions in %s", *file)
	}

	h, store, err := open(ctx, cfg)
	if err != nil {
		return err
	}
	defer h.Close()
	if err := store.InsertQuestions(ctx, qs); err != nil {
		return err
	}
	log.Printf("seeded %d questions from %s", len(qs), *file)
	return nil
}

// newCorrector builds the corrector with the same generator chain as the gateway.
func newCorrector(cfg config.Config, h *sql.DB, store *practice.SQLStore, verbose bool) (*corrector.Corrector, *corrector.FailureLog, error) {
	if cfg.OpenAIKey == "" {
		return nil, nil, fmt.Errorf("OPENAI_API_KEY is required")
	}
	genai.SetVerbose(verbose || cfg.GenAIVerbose)
	chain := genai.Chain{genai.NewOpenAIProvider(cfg.OpenAIKey, cfg.GenAIBaseURL, cfg.PrimaryModel, cfg.GenAITimeout)}
	if cfg.FallbackModel != "" && cfg.FallbackModel != cfg.PrimaryModel {
		chain = append(chain, genai.NewOpenAIProvider(cfg.OpenAIKey, cfg.GenAIBaseURL, cfg.FallbackModel, cfg.GenAITimeout))
	}
	var tr *genai.Transcripts
	if !cfg.TranscriptsOff {
		bs, err := storage.NewFSStore(cfg.BlobBasePath)
		if err != nil {
			return nil, nil, err
		}
		tr = genai.NewTranscripts(bs)
	}
	failures := corrector.NewFailureLog(h, syncx.NewEventRepo(h))
	c := corrector.New(genai.NewGenerator(chain, tr), store,
		corrector.WithBatchSize(cfg.CorrectorBatchSize),
		corrector.WithFailureRecorder(failures))
	return c, failures, nil
}

func correct(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("correct", flag.ExitOnError)
	category := fs.String("category", "", "Stored category to correct (default: all)")
	topic := fs.String("topic", "", "Topic to correct (default: all)")
	limit := fs.Int("limit", 100, "Maximum questions to send")
	verbose := fs.Bool("verbose", false, "Echo prompts and responses")
	_ = fs.Parse(args)

	h, store, err := open(ctx, cfg)
	if err != nil {
		return err
	}
	defer h.Close()
	f := practice.Filter{Category: *category, Limit: *limit}
	if *topic != "" {
		f.Topics = []string{*topic}
	}
	qs, err := store.ListUnedited(ctx, f)
	if err != nil {
		return err
	}
	if len(qs) == 0 {
		log.Printf("nothing to correct")
		return nil
	}
	c, _, err := newCorrector(cfg, h, store, *verbose)
	if err != nil {
		return err
	}
	log.Printf("correcting %d questions", len(qs))
	return printJSON(c.Run(ctx, qs))
}

func requeue(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("requeue", flag.ExitOnError)
	verbose := fs.Bool("verbose", false, "Echo prompts and responses")
	_ = fs.Parse(args)

	h, store, err := open(ctx, cfg)
	if err != nil {
		return err
	}
	defer h.Close()
	c, failures, err := newCorrector(cfg, h, store, *verbose)
	if err != nil {
		return err
	}
	tallies, err := corrector.Requeue(ctx, c, failures, store)
	if err != nil {
		return err
	}
	log.Printf("requeued %d failed batches", len(tallies))
	return printJSON(tallies)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
