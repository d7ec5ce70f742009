package main

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ashureev/farmreg/internal/enrich"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
)

var (
	enrichdListen string
	enrichdCorpus string
	enrichdLimit  int
)

var enrichdCmd = &cobra.Command{
	Use:   "enrichd",
	Short: "Serve the enrichment gRPC service",
	Long: `Serve similarity search and sentiment classification over gRPC using the
in-process enricher. Point the server's ENRICHMENT_ADDR at this address.

The optional corpus file seeds similarity search with one message per line.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		corpus, err := readCorpus(enrichdCorpus)
		if err != nil {
			return err
		}
		local := enrich.NewLocal(enrichdLimit, corpus...)

		lis, err := net.Listen("tcp", enrichdListen)
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}

		srv := grpc.NewServer()
		enrich.RegisterServer(srv, local)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		go func() {
			<-ctx.Done()
			slog.Info("Stopping enrichment service")
			srv.GracefulStop()
		}()

		fmt.Fprintf(cmd.OutOrStdout(), "enrichment service listening on %s (corpus: %d)\n", lis.Addr(), len(corpus))
		return srv.Serve(lis)
	},
}

func readCorpus(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open corpus: %w", err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read corpus: %w", err)
	}
	return lines, nil
}

func init() {
	enrichdCmd.Flags().StringVar(&enrichdListen, "listen", ":50051", "gRPC listen address")
	enrichdCmd.Flags().StringVar(&enrichdCorpus, "corpus", "", "File with one seed message per line")
	enrichdCmd.Flags().IntVar(&enrichdLimit, "limit", enrich.DefaultCorpusSize, "Maximum remembered messages")
}
