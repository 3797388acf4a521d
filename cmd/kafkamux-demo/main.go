// Command kafkamux-demo subscribes to a topic and prints every message it
// receives across every assigned partition, as a runnable demonstration of
// streams.Multiplexer wired to the kafka.Actor binding.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rtimush/reactive-kafka-go/internal/logging"
	"github.com/rtimush/reactive-kafka-go/internal/metrics"
	"github.com/rtimush/reactive-kafka-go/kafka"
	"github.com/rtimush/reactive-kafka-go/streams"
)

var topics string

var rootCmd = &cobra.Command{
	Use:   "kafkamux-demo",
	Short: "Consume a topic through a partitioned Kafka multiplexer",
	Long: `kafkamux-demo subscribes to one or more topics and prints every
message it receives, fanning out across however many partitions are
assigned to this process.

Configuration is read from the environment (KAFKAMUX_KAFKA_BROKERS,
KAFKAMUX_KAFKA_GROUP_ID, ...); see kafka.Settings.`,
	RunE: runDemo,
}

func init() {
	rootCmd.Flags().StringVar(&topics, "topics", "", "comma-separated list of topics to consume")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDemo(cmd *cobra.Command, args []string) error {
	if strings.TrimSpace(topics) == "" {
		return fmt.Errorf("--topics is required")
	}

	log, err := logging.New(logging.Development)
	if err != nil {
		return err
	}
	defer log.Sync()

	scope, closeScope := metrics.New(&metrics.Options{Prefix: "kafkamux"})
	defer closeScope()

	settings, err := kafka.LoadSettings()
	if err != nil {
		return fmt.Errorf("loading kafka settings: %w", err)
	}

	actor, err := kafka.NewActor(settings, log, scope)
	if err != nil {
		return fmt.Errorf("starting kafka actor: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := streams.DefaultConfig().Apply(streams.Config{
		Subscription: streams.TopicsSubscription(strings.Split(topics, ",")...),
		OnRevoke: func(partitions []streams.Partition) {
			log.Info("partitions revoked", zap.Int("count", len(partitions)))
		},
	})

	builder := streams.MessageBuilderFunc(func(rec streams.Record) (streams.Msg, error) {
		return fmt.Sprintf("%s@%d: %s", rec.Partition, rec.Offset, rec.Value), nil
	})

	mux, err := streams.NewMultiplexer(ctx, actor, builder, cfg, log, scope)
	if err != nil {
		return fmt.Errorf("starting multiplexer: %w", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info("signal received, shutting down")
		mux.Shutdown()
	}()

	for ev := range mux.Partitions() {
		go consumePartition(ev)
	}

	<-mux.Done()
	if err := mux.Err(); err != nil {
		return err
	}
	return nil
}

func consumePartition(ev streams.PartitionEvent) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for msg := range ev.Sub.Messages(ctx) {
		fmt.Println(msg)
	}
}
