package main

import (
	"crypto/rsa"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"

	"github.com/aeolun/securechat/pkg/client"
	"github.com/aeolun/securechat/pkg/crypto"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur."

var loremWords = strings.Fields(loremIpsum)

// Stats tracks performance metrics
type Stats struct {
	messagesSent      atomic.Int64
	messagesFailed    atomic.Int64
	messagesDelivered atomic.Int64
	totalLatency      atomic.Int64 // in microseconds
	connectionErrors  atomic.Int64
	decryptFailures   atomic.Int64
	disconnections    atomic.Int64
}

func (s *Stats) recordDelivery(latency time.Duration) {
	s.messagesDelivered.Add(1)
	s.totalLatency.Add(latency.Microseconds())
}

func (s *Stats) snapshot() (sent, failed, delivered int64, avgLatencyUs float64) {
	sent = s.messagesSent.Load()
	failed = s.messagesFailed.Load()
	delivered = s.messagesDelivered.Load()
	if delivered > 0 {
		avgLatencyUs = float64(s.totalLatency.Load()) / float64(delivered)
	}
	return
}

// BotClient is a scripted participant that posts random text to the main room
type BotClient struct {
	id     int
	client *client.Client
	stats  *Stats
	done   chan struct{}
}

func NewBotClient(id int, serverAddr, secret string, key *rsa.PrivateKey, stats *Stats) (*BotClient, error) {
	code, err := totp.GenerateCode(secret, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to generate one-time code: %w", err)
	}

	c, err := client.Dial(serverAddr, client.Options{
		Nickname:    "bot-" + uuid.NewString()[:8],
		OneTimeCode: code,
		Key:         key,
		DownloadDir: os.TempDir(),
	})
	if err != nil {
		return nil, err
	}

	bc := &BotClient{id: id, client: c, stats: stats, done: make(chan struct{})}
	go bc.consume()
	return bc, nil
}

// consume measures delivery latency from the send timestamp embedded in each message
func (bc *BotClient) consume() {
	defer close(bc.done)
	for ev := range bc.client.Events() {
		switch e := ev.(type) {
		case client.MessageEvent:
			if e.Err != nil {
				bc.stats.decryptFailures.Add(1)
				continue
			}
			stamp, _, ok := strings.Cut(e.Text, " ")
			if !ok {
				continue
			}
			if sent, err := strconv.ParseInt(stamp, 10, 64); err == nil {
				bc.stats.recordDelivery(time.Since(time.UnixMicro(sent)))
			}
		case client.DisconnectedEvent:
			if e.Err != nil {
				bc.stats.disconnections.Add(1)
			}
		}
	}
}

func (bc *BotClient) PostRandomMessage() error {
	// Generate random message content (5-20 words)
	wordCount := 5 + rand.Intn(16)
	words := make([]string, 0, wordCount+1)
	words = append(words, strconv.FormatInt(time.Now().UnixMicro(), 10))
	for i := 0; i < wordCount; i++ {
		words = append(words, loremWords[rand.Intn(len(loremWords))])
	}

	if _, err := bc.client.SendMessage(strings.Join(words, " ")); err != nil {
		bc.stats.messagesFailed.Add(1)
		return err
	}
	bc.stats.messagesSent.Add(1)
	return nil
}

func (bc *BotClient) Run(duration, minDelay, maxDelay, shutdownDelay time.Duration, stop <-chan struct{}) {
	defer func() {
		bc.client.Close()
		<-bc.done
	}()

	endTime := time.Now().Add(duration)
	for time.Now().Before(endTime) {
		// Alone in the room is expected while bots are still ramping up
		_ = bc.PostRandomMessage()

		delay := minDelay
		if maxDelay > minDelay {
			delay += time.Duration(rand.Int63n(int64(maxDelay - minDelay)))
		}
		select {
		case <-time.After(delay):
		case <-stop:
			return
		}
	}

	// Stagger shutdown to avoid thundering herd on disconnect
	select {
	case <-time.After(shutdownDelay):
	case <-stop:
	}
}

func main() {
	serverAddr := flag.String("server", "localhost:6465", "Server address")
	secret := flag.String("secret", os.Getenv("SECURECHAT_AUTHKEY"), "Server TOTP secret (env SECURECHAT_AUTHKEY)")
	numClients := flag.Int("clients", 10, "Number of concurrent clients")
	duration := flag.Duration("duration", 1*time.Minute, "Test duration")
	minDelay := flag.Duration("min-delay", 100*time.Millisecond, "Minimum delay between posts")
	maxDelay := flag.Duration("max-delay", 1*time.Second, "Maximum delay between posts")
	keyBits := flag.Int("key-bits", 2048, "RSA key size for bot identities")
	flag.Parse()

	if *secret == "" {
		log.Fatal("A TOTP secret is required (-secret or SECURECHAT_AUTHKEY)")
	}

	// Calculate stagger delay: ramp up over 25% of test duration
	rampUpDuration := *duration / 4
	staggerDelay := rampUpDuration / time.Duration(*numClients)
	if staggerDelay < 1*time.Millisecond {
		staggerDelay = 1 * time.Millisecond
	}

	log.Printf("Starting load test:")
	log.Printf("  Server: %s", *serverAddr)
	log.Printf("  Clients: %d", *numClients)
	log.Printf("  Duration: %v", *duration)
	log.Printf("  Ramp-up: %v (%v per client)", rampUpDuration, staggerDelay)
	log.Printf("  Delay: %v - %v", *minDelay, *maxDelay)
	log.Printf("  Note: raise [limits] rate_limit_attempts on the server above %d, all bots share one address", *numClients)
	log.Printf("")

	// Bots share one identity key; generating thousands of RSA keys would dominate the run
	key, err := crypto.GenerateKeyPair(*keyBits)
	if err != nil {
		log.Fatalf("Failed to generate bot key: %v", err)
	}

	stats := &Stats{}
	stop := make(chan struct{})
	var stopOnce sync.Once
	stopAll := func() { stopOnce.Do(func() { close(stop) }) }

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Printf("Shutdown signal received, stopping test...")
		stopAll()
	}()

	// Start stats reporter
	reporterDone := make(chan struct{})
	startTime := time.Now()
	go func() {
		defer close(reporterDone)
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sent, failed, delivered, avgUs := stats.snapshot()
				elapsed := time.Since(startTime).Seconds()
				log.Printf("Stats: %d sent (%.1f/s), %d failed, %d delivered, %d conn errors, avg latency %.2fms",
					sent, float64(sent)/elapsed, failed, delivered, stats.connectionErrors.Load(), avgUs/1000.0)
			case <-stop:
				return
			}
		}
	}()

	var wg sync.WaitGroup
spawn:
	for i := 0; i < *numClients; i++ {
		// Reverse order for ramp-down
		shutdownDelay := staggerDelay * time.Duration(*numClients-i-1)

		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			bot, err := NewBotClient(id, *serverAddr, *secret, key, stats)
			if err != nil {
				stats.connectionErrors.Add(1)
				if id%100 == 0 {
					log.Printf("[Bot %d] Failed to connect: %v", id, err)
				}
				return
			}

			// Only log every 100th client during ramp-up
			if id%100 == 0 {
				log.Printf("[Bot %d] Connected as %s", id, bot.client.Nickname())
			}
			bot.Run(*duration, *minDelay, *maxDelay, shutdownDelay, stop)
		}(i)

		select {
		case <-time.After(staggerDelay):
		case <-stop:
			break spawn
		}
	}

	wg.Wait()
	stopAll()
	<-reporterDone

	sent, failed, delivered, avgUs := stats.snapshot()
	elapsed := time.Since(startTime)

	log.Printf("=== Final Results ===")
	log.Printf("Duration: %v", elapsed.Round(time.Millisecond))
	log.Printf("Messages sent: %d (%.1f/s)", sent, float64(sent)/elapsed.Seconds())
	log.Printf("Messages failed: %d", failed)
	log.Printf("Messages delivered: %d (fan-out included)", delivered)
	log.Printf("Decrypt failures: %d", stats.decryptFailures.Load())
	log.Printf("Disconnections: %d", stats.disconnections.Load())
	log.Printf("Connection errors: %d", stats.connectionErrors.Load())
	log.Printf("Average delivery latency: %.2fms", avgUs/1000.0)

	if sent+failed > 0 {
		log.Printf("Send success rate: %.1f%%", float64(sent)/float64(sent+failed)*100)
	}
}
