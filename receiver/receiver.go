// receiver.go
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"kissarq/filexfer"
	"kissarq/station"
)

// ---------------------
// Command-Line Arguments (Receiver-Only)
// ---------------------

// Arguments holds the command-line arguments.
type Arguments struct {
	Link      station.Options
	OneFile   bool          // Exit after successfully receiving one file
	Replace   bool          // Overwrite existing files if a new file is received with the same name.
	OutputDir string        // Directory received files are written to
	Linger    time.Duration // With -one-file, keep acknowledging this long before exiting
}

func parseArguments(log *logrus.Logger) *Arguments {
	args := &Arguments{}
	station.AddFlags(flag.CommandLine, &args.Link, "sender-callsign")
	flag.BoolVar(&args.OneFile, "one-file", false, "Exit after successfully receiving one file")
	flag.BoolVar(&args.Replace, "replace", false, "Overwrite existing files if a new file is received with the same name")
	flag.StringVar(&args.OutputDir, "output-dir", ".", "Directory to save received files in")
	flag.DurationVar(&args.Linger, "linger", 3*time.Second, "With -one-file, keep acknowledging this long before exiting")
	flag.Parse()

	if err := args.Link.Check(); err != nil {
		log.Fatalf("%v", err)
	}
	if info, err := os.Stat(args.OutputDir); err != nil || !info.IsDir() {
		log.Fatalf("Output directory %s is not usable: %v", args.OutputDir, err)
	}
	return args
}

// ---------------------
// Main
// ---------------------

func main() {
	log := logrus.New()
	args := parseArguments(log)
	log = station.NewLogger(args.Link.Debug)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	gotOne := make(chan struct{})
	asm := filexfer.NewAssembler(filexfer.AssemblerConfig{
		OutputDir: args.OutputDir,
		Replace:   args.Replace,
		Logger:    log,
		OnFile: func(f filexfer.File) {
			if f.ChecksumOK && args.OneFile {
				select {
				case <-gotOne:
				default:
					close(gotOne)
				}
			}
		},
	})

	st, err := station.Open(args.Link, asm, log)
	if err != nil {
		log.Fatalf("Link setup error: %v", err)
	}
	st.Status.Add("files", func() any {
		return map[string]int{"completed": asm.Completed(), "failed": asm.Failed()}
	})

	if args.OneFile {
		go func() {
			select {
			case <-gotOne:
			case <-ctx.Done():
				return
			}
			log.Infof("Received one file successfully. Acknowledging for %v, then exiting as -one-file is set.", args.Linger)
			select {
			case <-time.After(args.Linger):
			case <-ctx.Done():
			}
			cancel()
		}()
	}

	log.Infof("Receiver started. Saving files to %s", args.OutputDir)
	if err := st.Run(ctx, nil); err != nil {
		log.Fatalf("Link error: %v", err)
	}
	c := st.Link.Status().Counters
	log.Infof("=== Receiver Final Summary ===")
	log.Infof("Files: %d complete, %d failed. Packets delivered: %d, duplicates: %d, checksum errors: %d.",
		asm.Completed(), asm.Failed(), c.PacketsDelivered, c.Duplicates, c.ChecksumErrors)
	log.Infof("==============================")
}
