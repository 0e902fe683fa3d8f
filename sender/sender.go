// sender.go
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"kissarq/filexfer"
	"kissarq/station"
)

// ---------------------
// Command-Line Arguments (Sender-Only)
// ---------------------

// Arguments holds the command-line arguments for the sender.
type Arguments struct {
	Link                  station.Options
	File                  string        // File(s) to send (comma delimited)
	FileDirectory         string        // Directory to monitor for files to send (mutually exclusive with -file)
	FileDirectoryExisting bool          // When true, queue existing files in the directory
	Compress              bool          // Enable compression (default true)
	Settle                time.Duration // Quiet period before a changed file in the directory is queued
	Linger                time.Duration // Keep the link up this long after the last packet is acknowledged
}

func parseArguments(log *logrus.Logger) *Arguments {
	args := &Arguments{}
	station.AddFlags(flag.CommandLine, &args.Link, "receiver-callsign")
	flag.StringVar(&args.File, "file", "", "File(s) to send (comma delimited)")
	flag.StringVar(&args.FileDirectory, "file-directory", "", "Directory to monitor for files to send (mutually exclusive with -file)")
	flag.BoolVar(&args.FileDirectoryExisting, "file-directory-existing", false, "Queue existing files in the directory")
	noCompress := flag.Bool("no-compress", false, "Disable compression")
	flag.DurationVar(&args.Settle, "settle", time.Second, "Wait this long after the last change to a file before queueing it")
	flag.DurationVar(&args.Linger, "linger", 2*time.Second, "Keep the link up this long after the last packet is acknowledged")
	flag.Parse()

	args.Compress = !(*noCompress)

	if err := args.Link.Check(); err != nil {
		log.Fatalf("%v", err)
	}
	if args.File != "" && args.FileDirectory != "" {
		log.Fatalf("Specify either -file or -file-directory, not both.")
	}
	if args.File == "" && args.FileDirectory == "" {
		log.Fatalf("Either -file or -file-directory must be specified.")
	}
	return args
}

// ---------------------
// File Queue
// ---------------------

// sender turns queued files into packets for the link.
type sender struct {
	args   *Arguments
	log    logrus.FieldLogger
	source chan []byte
}

// sendFile packetizes one file and feeds the packets to the link, blocking
// while the send window is full.
func (s *sender) sendFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	pkts, h, err := filexfer.Packetize(path, data, filexfer.Options{
		PacketSize: s.args.Link.PacketSize,
		Compress:   s.args.Compress,
	})
	if err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{
		"file":       path,
		"size":       h.OrigSize,
		"compressed": h.CompSize,
		"packets":    len(pkts),
		"md5":        h.MD5,
		"id":         h.ID,
	}).Info("queueing file")
	for _, p := range pkts {
		select {
		case s.source <- p:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.log.WithField("file", path).Info("all packets handed to the link")
	return nil
}

func (s *sender) sendList(ctx context.Context) {
	defer close(s.source)
	fileList := strings.Split(s.args.File, ",")
	for i, file := range fileList {
		file = strings.TrimSpace(file)
		if file == "" {
			continue
		}
		s.log.Infof("=== Starting transfer for file %d of %d: %s ===", i+1, len(fileList), file)
		if err := s.sendFile(ctx, file); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.WithError(err).Errorf("Error sending file %s", file)
		}
	}
}

// watchDirectory queues existing files if asked, then every regular file
// that is created or written in the directory once it has been quiet for
// the settle period.
func (s *sender) watchDirectory(ctx context.Context) error {
	dir := s.args.FileDirectory
	fileQueue := make(chan string, 100)

	var existing []string
	if s.args.FileDirectoryExisting {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if strings.HasPrefix(e.Name(), ".") || !e.Type().IsRegular() {
				continue
			}
			existing = append(existing, filepath.Join(dir, e.Name()))
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return err
	}
	s.log.Infof("Monitoring directory: %s", dir)

	var mu sync.Mutex
	pending := make(map[string]*time.Timer)
	enqueue := func(name string) {
		mu.Lock()
		delete(pending, name)
		mu.Unlock()
		info, err := os.Stat(name)
		if err != nil || !info.Mode().IsRegular() {
			return
		}
		select {
		case fileQueue <- name:
			s.log.Infof("Enqueued file from event: %s", name)
		case <-ctx.Done():
		}
	}

	// Existing files are fed while the loop below drains the queue.
	go func() {
		for _, fullPath := range existing {
			select {
			case fileQueue <- fullPath:
				s.log.Infof("Queued existing file: %s", fullPath)
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
					continue
				}
				if strings.HasPrefix(filepath.Base(event.Name), ".") {
					continue
				}
				name := event.Name
				mu.Lock()
				if t, ok := pending[name]; ok {
					t.Reset(s.args.Settle)
				} else {
					pending[name] = time.AfterFunc(s.args.Settle, func() { enqueue(name) })
				}
				mu.Unlock()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.log.WithError(err).Warn("Watcher error")
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case file := <-fileQueue:
			s.log.Infof("=== Starting transfer for file: %s ===", file)
			if err := s.sendFile(ctx, file); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.log.WithError(err).Errorf("Error sending file %s", file)
			}
		case <-ctx.Done():
			return nil
		}
	}
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

	sink := filexfer.NewAssembler(filexfer.AssemblerConfig{Discard: true, Logger: log})
	st, err := station.Open(args.Link, sink, log)
	if err != nil {
		log.Fatalf("Link setup error: %v", err)
	}

	s := &sender{args: args, log: log, source: make(chan []byte)}
	if args.FileDirectory != "" {
		go func() {
			if err := s.watchDirectory(ctx); err != nil {
				log.WithError(err).Error("directory watch failed")
				cancel()
			}
		}()
	} else {
		go s.sendList(ctx)
		go func() {
			select {
			case <-st.Link.Drained():
			case <-ctx.Done():
				return
			}
			log.Infof("All packets acknowledged. Lingering %v before exit.", args.Linger)
			select {
			case <-time.After(args.Linger):
			case <-ctx.Done():
			}
			cancel()
		}()
	}

	start := time.Now()
	if err := st.Run(ctx, s.source); err != nil {
		log.Fatalf("Link error: %v", err)
	}
	c := st.Link.Status().Counters
	log.Infof("=== Final Summary ===")
	log.Infof("Packets sent: %d, retransmissions: %d, elapsed %.2fs.", c.PacketsSubmitted, c.Retransmissions, time.Since(start).Seconds())
	log.Infof("=====================")
}
