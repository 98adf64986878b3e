// Command tracectl is a consumer-side control CLI for the tracing daemon:
// enable a data source for a fixed duration, drain whatever lands in the
// buffer, and write it to a file.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/tracedsvc"
	"github.com/ehrlich-b/tracedsvc/internal/constants"
	"github.com/ehrlich-b/tracedsvc/internal/ipc"
)

// version is overridable at link time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{Use: "tracectl", Short: "Control client for the tracing daemon"}
	root.AddCommand(newRecordCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print tracectl's version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Println(version)
			return nil
		},
	}
}

func newRecordCmd() *cobra.Command {
	var (
		source   string
		duration time.Duration
		outPath  string
		addr     string
	)

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Enable one data source for a fixed duration and save the drained bytes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if source == "" {
				return fmt.Errorf("--source is required")
			}
			if outPath == "" {
				return fmt.Errorf("--out is required")
			}
			return record(cmd.Context(), addr, source, duration, outPath)
		},
	}

	cmd.Flags().StringVar(&source, "source", "", "data source name to enable")
	cmd.Flags().DurationVar(&duration, "duration", 5*time.Second, "how long to trace before draining")
	cmd.Flags().StringVar(&outPath, "out", "", "file to write the drained trace bytes to")
	cmd.Flags().StringVar(&addr, "addr", constants.DefaultConsumerSocket, "consumer socket address")
	return cmd
}

func record(ctx context.Context, addr, source string, duration time.Duration, outPath string) error {
	client, err := ipc.Connect(ctx, "unix", addr, constants.MaxFramePayload, nil)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer client.Close()

	proxy, err := client.BindService(ctx, "ConsumerPort")
	if err != nil {
		return fmt.Errorf("bind ConsumerPort: %w", err)
	}

	cfg := tracedsvc.TraceConfig{
		DataSources: []tracedsvc.DataSourceConfig{{Name: source, TargetBufferIndex: 0}},
		Buffers:     []tracedsvc.BufferSpec{{SizeBytes: 16 * constants.DefaultPageSize, PageSize: constants.DefaultPageSize}},
		DurationMs:  duration.Milliseconds(),
	}
	reply, err := invoke(proxy, "EnableTracing", tracedsvc.EncodeEnableTracingArgs(cfg))
	if err != nil {
		return fmt.Errorf("EnableTracing: %w", err)
	}
	sessionID, ok := tracedsvc.DecodeTracingSessionIDReply(reply)
	if !ok {
		return fmt.Errorf("malformed EnableTracing reply")
	}
	fmt.Printf("recording %s for %s (session %s)\n", source, duration, sessionID)

	select {
	case <-time.After(duration):
	case <-ctx.Done():
		return ctx.Err()
	}

	if _, err := invoke(proxy, "DisableTracing", tracedsvc.EncodeSessionIDArgs(sessionID)); err != nil {
		return fmt.Errorf("DisableTracing: %w", err)
	}

	f, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", outPath, err)
	}
	defer f.Close()

	pages, err := invokeStream(proxy, "ReadBuffers", tracedsvc.EncodeSessionIDArgs(sessionID))
	if err != nil {
		return fmt.Errorf("ReadBuffers: %w", err)
	}
	var written int
	for _, p := range pages {
		if len(p) == 0 {
			continue
		}
		_, page, ok := tracedsvc.DecodeReadBuffersPage(p)
		if !ok {
			continue
		}
		n, err := f.Write(page)
		if err != nil {
			return fmt.Errorf("write %s: %w", outPath, err)
		}
		written += n
	}

	if _, err := invoke(proxy, "FreeBuffers", tracedsvc.EncodeSessionIDArgs(sessionID)); err != nil {
		return fmt.Errorf("FreeBuffers: %w", err)
	}

	fmt.Printf("wrote %d bytes to %s\n", written, outPath)
	return nil
}

func invoke(proxy *ipc.Proxy, method string, args []byte) ([]byte, error) {
	type result struct {
		payload []byte
		err     error
	}
	done := make(chan result, 1)
	_, err := proxy.BeginInvoke(method, args, func(payload []byte, hasMore bool, fd int, err error) {
		done <- result{payload, err}
	})
	if err != nil {
		return nil, err
	}
	r := <-done
	return r.payload, r.err
}

func invokeStream(proxy *ipc.Proxy, method string, args []byte) ([][]byte, error) {
	type item struct {
		payload []byte
		last    bool
		err     error
	}
	ch := make(chan item, 8)
	_, err := proxy.BeginInvoke(method, args, func(payload []byte, hasMore bool, fd int, err error) {
		ch <- item{payload, !hasMore, err}
	})
	if err != nil {
		return nil, err
	}
	var out [][]byte
	for {
		it := <-ch
		if it.err != nil {
			return nil, it.err
		}
		out = append(out, it.payload)
		if it.last {
			return out, nil
		}
	}
}
