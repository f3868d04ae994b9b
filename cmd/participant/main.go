// Command participant drives one aggregation participant interactively.
//
// Configuration is read from the YAML file named by SAFE_CONFIG or --config:
//
//	controller: http://localhost:8088
//	ag_type: SAFE          # SAFE, BON or INSEC
//	group: 1
//	namespace: global
//	basic_auth: false
//	namespace_password: ""
//
// SAFE_GROUP overrides the group and WEIGHT switches to weighted
// aggregation. Each input line is one vector, comma or space separated;
// the aggregate is printed one component per line.
//
// # Usage
//
//	SAFE_CONFIG=participant.yaml go run ./cmd/participant
//	SAFE_CONFIG=participant.yaml go run ./cmd/participant clear
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/cablelabs/safe/cmd/common"
	"github.com/cablelabs/safe/protocol"
	"github.com/cablelabs/safe/services"
)

func main() {
	configPath := flag.String("config", os.Getenv("SAFE_CONFIG"), "Path to YAML participant config")
	flag.Parse()

	cfg, err := common.LoadParticipantConfig(*configPath)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	if v := os.Getenv("SAFE_GROUP"); v != "" {
		group, err := strconv.Atoi(v)
		if err != nil || group < 1 {
			fmt.Printf("Invalid SAFE_GROUP %q\n", v)
			os.Exit(1)
		}
		cfg.Group = group
	}

	var weight *float64
	if v := os.Getenv("WEIGHT"); v != "" {
		w, err := strconv.ParseFloat(v, 64)
		if err != nil {
			fmt.Printf("Invalid WEIGHT %q\n", v)
			os.Exit(1)
		}
		weight = &w
	}
	cfg.Logger = common.NewLogger(cfg.Debug)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		cancel()
	}()

	agg, err := protocol.NewAggregator(cfg, services.NewHTTPControllerFromConfig(cfg))
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	if flag.Arg(0) == "clear" {
		if err := agg.ClearData(ctx); err != nil {
			fmt.Printf("Error clearing data: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Data cleared")
		return
	}

	if err := run(ctx, agg, weight, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, agg *protocol.Aggregator, weight *float64, in io.Reader, out io.Writer) error {
	index, err := agg.Register(ctx)
	if err != nil {
		return fmt.Errorf("registering: %w", err)
	}
	fmt.Fprintf(out, "Registered as node %d\n", index)

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		value, err := parseVector(line)
		if err != nil {
			fmt.Fprintf(out, "Invalid input: %v\n", err)
			continue
		}

		var res []float64
		if weight != nil {
			res, err = agg.WeightedAggregate(ctx, value, *weight)
		} else {
			res, err = agg.Aggregate(ctx, value)
		}
		if err != nil {
			return err
		}
		for _, v := range res {
			fmt.Fprintf(out, "%.5f\n", v)
		}
	}
}

func parseVector(line string) ([]float64, error) {
	fields := strings.FieldsFunc(line, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	value := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, err
		}
		value[i] = v
	}
	return value, nil
}
