// Command geoscale answers natural-language questions about geospatial
// real-estate data.
//
//	geoscale [-config geoscale.yaml] serve
//	geoscale [-config geoscale.yaml] ask [-area Lisboa] [-json] "flats within 300m of a metro station"
//	geoscale [-config geoscale.yaml] ingest
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/paulmach/orb/geojson"
	"golang.org/x/sync/errgroup"

	geoscale "github.com/ZanzyTHEbar/geoscale-genkit"
	"github.com/ZanzyTHEbar/geoscale-genkit/internal/config"
	"github.com/ZanzyTHEbar/geoscale-genkit/internal/ingest"
	"github.com/ZanzyTHEbar/geoscale-genkit/internal/server"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: geoscale [-config file] <serve|ask|ingest> [flags]\n")
	flag.PrintDefaults()
}

func main() {
	configPath := flag.String("config", os.Getenv("GEOSCALE_CONFIG"), "YAML configuration file")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()[1:]
	switch flag.Arg(0) {
	case "serve":
		err = runServe(ctx, cfg, args)
	case "ask":
		err = runAsk(ctx, cfg, args)
	case "ingest":
		err = runIngest(ctx, cfg, args)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s failed: %v", flag.Arg(0), err)
	}
}

func runServe(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	httpAddr := fs.String("http", cfg.Server.HTTPAddr, "HTTP listen address")
	rpcAddr := fs.String("rpc", cfg.Server.RPCAddr, "JSON-RPC listen address, empty to disable")
	watch := fs.Bool("watch", cfg.Data.Watch, "reload datasets when files change")
	fs.Parse(args)

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	svc := server.NewService(a.engine, a.catalog, a.catalog)
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.ServeHTTP(ctx, *httpAddr, server.NewHTTPHandler(svc), cfg.Server.ReadTimeout, cfg.Server.ShutdownTimeout)
	})
	if *rpcAddr != "" {
		g.Go(func() error {
			return server.ServeRPC(ctx, *rpcAddr, server.NewRPCHandler(svc))
		})
	}
	if *watch {
		w, err := ingest.NewWatcher(a.loader, ingest.WithDebounce(cfg.Data.Debounce))
		if err != nil {
			return err
		}
		g.Go(func() error {
			return w.Run(ctx)
		})
	}
	g.Go(func() error {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if n := a.engine.CleanupFinishedRuns(time.Hour); n > 0 {
					log.Printf("Cleaned up finished runs (count: %d)", n)
				}
			}
		}
	})

	return g.Wait()
}

func runAsk(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("ask", flag.ExitOnError)
	area := fs.String("area", "", "restrict the query to a named place")
	fresh := fs.Bool("fresh", false, "prefer freshly fetched data")
	script := fs.String("script", "", "replay a YAML oracle script instead of calling a model")
	asJSON := fs.Bool("json", false, "print the full response as JSON")
	csvPath := fs.String("csv", "", "write the answer table as CSV")
	mapPath := fs.String("map", "", "write the answer map as GeoJSON")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("ask takes exactly one quoted query")
	}

	if *script != "" {
		cfg.Oracle.Kind = "script"
		cfg.Oracle.Script = *script
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	q := geoscale.Query{Text: fs.Arg(0), Fresh: *fresh}
	if *area != "" {
		q.Area = &geoscale.Area{Name: *area}
	}
	resp, runErr := a.engine.Run(ctx, q)

	if *csvPath != "" && resp.TableCSV != "" {
		if err := os.WriteFile(*csvPath, []byte(resp.TableCSV), 0o644); err != nil {
			return err
		}
	}
	if *mapPath != "" && resp.Map != nil {
		if err := writeMap(*mapPath, resp.Map); err != nil {
			return err
		}
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(resp); err != nil {
			return err
		}
	} else if resp.Status == geoscale.RunDone {
		fmt.Println(resp.Text)
	} else {
		fmt.Printf("No answer (%s): %s\n", resp.Diagnostic.Code, resp.Diagnostic.Reason)
	}
	fmt.Fprintf(os.Stderr, "run %s: %d steps in %v\n", resp.RunID, resp.Steps, resp.Duration.Round(time.Millisecond))
	return runErr
}

// writeMap flattens the map layers into one FeatureCollection, tagging each
// feature with its layer name.
func writeMap(path string, m *geoscale.MapSpec) error {
	fc := geojson.NewFeatureCollection()
	for _, layer := range m.Layers {
		if layer.Features == nil {
			continue
		}
		for _, f := range layer.Features.Features {
			out := geojson.NewFeature(f.Geometry)
			for k, v := range f.Properties {
				out.Properties[k] = v
			}
			out.Properties["layer"] = layer.Name
			fc.Append(out)
		}
	}
	data, err := json.MarshalIndent(fc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func runIngest(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	root := fs.String("root", cfg.Data.Root, "data directory")
	fs.Parse(args)
	cfg.Data.Root = *root

	a, err := newStorage(cfg, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.loader.LoadAll(ctx)
	if err != nil {
		return err
	}
	for _, r := range report.Loaded {
		fmt.Printf("ok      %-40s %-10s %6d records  %s\n", r.Descriptor.ID, r.Descriptor.Kind, r.Records, r.Descriptor.CRS)
	}
	for _, r := range report.Failed {
		fmt.Printf("failed  %-40s %v\n", r.Path, r.Err)
	}
	if len(report.Failed) > 0 {
		return fmt.Errorf("%d of %d files failed", len(report.Failed), len(report.Failed)+len(report.Loaded))
	}
	return nil
}
