// monitor.go
package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"kissarq/arq"
	"kissarq/kiss"
	"kissarq/trace"
)

// ---------------------
// Metrics
// ---------------------

type metrics struct {
	totalFrames    int
	totalBytes     int
	invalid        int
	byKind         map[string]int
	minDelta       time.Duration
	maxDelta       time.Duration
	lastPacketTime time.Time
	lastSeq        map[string]int // last DATA seq per source>dest
	gaps           int
}

func newMetrics() *metrics {
	return &metrics{byKind: make(map[string]int), lastSeq: make(map[string]int), minDelta: math.MaxInt64}
}

// trackSeq counts a gap when a DATA frame skips ahead of the previous one on
// the same path. Going back is a retransmission and a drop to zero is taken
// as a wrap, since the monitor does not know the sequence space.
func (m *metrics) trackSeq(ev trace.Event) {
	path := ev.Source + ">" + ev.Dest
	if last, ok := m.lastSeq[path]; ok && ev.Seq > last+1 {
		m.gaps++
	}
	m.lastSeq[path] = ev.Seq
}

// observe records ev and returns the time since the previous frame.
func (m *metrics) observe(ev trace.Event) time.Duration {
	m.totalFrames++
	m.totalBytes += ev.Length
	if ev.Valid {
		m.byKind[ev.Kind]++
		if ev.Seq >= 0 {
			m.trackSeq(ev)
		}
	} else {
		m.invalid++
	}
	var d time.Duration
	if !m.lastPacketTime.IsZero() {
		d = ev.Time.Sub(m.lastPacketTime)
		m.minDelta = min(m.minDelta, d)
		m.maxDelta = max(m.maxDelta, d)
	}
	m.lastPacketTime = ev.Time
	return d
}

func (m *metrics) summary(log logrus.FieldLogger) {
	log.Infof("--- Summary ---")
	log.Infof("Total frames seen: %d", m.totalFrames)
	log.Infof("Total bytes seen: %d", m.totalBytes)
	for _, k := range []arq.Kind{arq.KindData, arq.KindAck, arq.KindNak} {
		log.Infof("%s frames: %d", k, m.byKind[k.String()])
	}
	log.Infof("Invalid frames: %d", m.invalid)
	log.Infof("Sequence gaps: %d", m.gaps)
	if m.totalFrames > 1 {
		log.Infof("Minimum time between packets: %d ms", m.minDelta.Milliseconds())
		log.Infof("Maximum time between packets: %d ms", m.maxDelta.Milliseconds())
	} else {
		log.Infof("Not enough packets to compute time differences.")
	}
}

// ---------------------
// Main
// ---------------------

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})

	host := flag.String("host", "127.0.0.1", "Broadcast host (default 127.0.0.1)")
	port := flag.Int("port", 0, "Broadcast port (required)")

	mqttHost := flag.String("mqtt-host", "", "MQTT server host")
	mqttPort := flag.Int("mqtt-port", 0, "MQTT server port")
	mqttUser := flag.String("mqtt-user", "", "MQTT username")
	mqttPass := flag.String("mqtt-pass", "", "MQTT password")
	mqttTLS := flag.Bool("mqtt-tls", false, "Use TLS for MQTT")
	mqttTopic := flag.String("mqtt-topic", "", "MQTT topic to publish frames")

	decodeFileTransfer := flag.Bool("decode-file-transfer", false, "Decode file transfer packets carried in DATA frames")
	jsonOutput := flag.Bool("json", false, "Print each frame as JSON")
	debug := flag.Bool("debug", false, "Enable debug output")
	flag.Parse()

	if *debug {
		log.SetLevel(logrus.DebugLevel)
	}
	if *port == 0 {
		fmt.Fprintln(os.Stderr, "Error: -port is required")
		flag.Usage()
		os.Exit(1)
	}

	mqttEnabled := false
	if *mqttHost != "" || *mqttPort != 0 || *mqttUser != "" || *mqttPass != "" || *mqttTopic != "" {
		if *mqttHost == "" || *mqttPort == 0 || *mqttUser == "" || *mqttPass == "" || *mqttTopic == "" {
			fmt.Fprintln(os.Stderr, "Error: When using MQTT, all MQTT parameters are required")
			flag.Usage()
			os.Exit(1)
		}
		mqttEnabled = true
	}

	conn, err := kiss.DialTCP(*host, *port, log)
	if err != nil {
		log.Fatalf("Error connecting to broadcast server: %v", err)
	}
	defer conn.Close()

	var mqttClient mqtt.Client
	if mqttEnabled {
		opts := mqtt.NewClientOptions()
		mqttAddr := fmt.Sprintf("tcp://%s:%d", *mqttHost, *mqttPort)
		if *mqttTLS {
			mqttAddr = fmt.Sprintf("ssl://%s:%d", *mqttHost, *mqttPort)
			opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: true})
		}
		opts.AddBroker(mqttAddr)
		opts.SetUsername(*mqttUser)
		opts.SetPassword(*mqttPass)
		opts.SetClientID("monitor-client-" + fmt.Sprint(time.Now().UnixNano()))
		opts.SetAutoReconnect(true)
		mqttClient = mqtt.NewClient(opts)
		if token := mqttClient.Connect(); token.Wait() && token.Error() != nil {
			log.Fatalf("Error connecting to MQTT broker: %v", token.Error())
		}
		defer mqttClient.Disconnect(250)
		log.Infof("Connected to MQTT broker at %s", mqttAddr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	packets := make(chan []byte, 100)
	reader := kiss.NewFrameReader(conn, packets, log)
	errc := make(chan error, 1)
	go func() { errc <- reader.Run(ctx) }()

	m := newMetrics()
	defer m.summary(log)
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-errc:
			if err != nil && ctx.Err() == nil {
				log.Errorf("Error reading from broadcast connection: %v", err)
			}
			return
		case packet := <-packets:
			ev := trace.Describe(packet, *decodeFileTransfer)
			delta := m.observe(ev)
			doc, err := json.Marshal(ev)
			if err != nil {
				log.WithError(err).Warn("encoding event")
				continue
			}

			if mqttEnabled {
				token := mqttClient.Publish(*mqttTopic, 0, false, doc)
				token.Wait()
				if token.Error() != nil {
					log.Errorf("Error publishing to MQTT: %v", token.Error())
				}
			}

			if *jsonOutput {
				fmt.Println(string(doc))
			} else {
				log.Infof("[%s +%v] %s", ev.Time.Format(time.RFC3339Nano), delta.Round(time.Microsecond), ev)
			}
		}
	}
}
