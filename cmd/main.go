package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"

	"github.com/skyhookml/explain/app"
	"github.com/skyhookml/explain/explain"
	"github.com/skyhookml/explain/graph"
	"github.com/skyhookml/explain/skyhook"

	socketio "github.com/googollee/go-socket.io"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:           "explain",
	Short:         "Feature vectors and saliency maps from intermediate network stages",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger, err := skyhook.NewLogger(debug)
		if err != nil {
			return err
		}
		skyhook.SetLogger(logger)
		return nil
	},
}

const defaultConfigPath = "explain.yaml"

func loadConfig() (explain.Config, error) {
	if configPath == "" && skyhook.FileExists(defaultConfigPath) {
		configPath = defaultConfigPath
	}
	if configPath == "" {
		cfg := explain.DefaultConfig()
		return cfg, cfg.Validate()
	}
	return explain.LoadConfig(configPath)
}

var (
	dataPath string
	outDir   string
	dbPath   string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Explain every image of a folder and write heatmaps, feature vectors and regions",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if dataPath != "" {
			cfg.Data.Path = dataPath
		}
		if outDir != "" {
			cfg.Output.WorkDir = outDir
		}
		log := skyhook.Logger()

		net, err := graph.Build(cfg.Model)
		if err != nil {
			return err
		}
		defer net.Close()
		loader, err := explain.NewFolderLoader(cfg.Data)
		if err != nil {
			return err
		}
		outputs, err := explain.Run(cmd.Context(), cfg.Explain, net, loader, func(done, total int) {
			log.Debug("progress", zap.Int("done", done), zap.Int("total", total))
		})
		if err != nil {
			return err
		}
		if err := explain.Export(outputs, cfg.Output); err != nil {
			return err
		}

		if dbPath != "" {
			db, err := app.OpenDB(dbPath)
			if err != nil {
				return err
			}
			defer db.Close()
			run := db.NewRun(cfg.Output.WorkDir, cfg.Data.Path, cfg.Explain)
			err = db.SaveOutputs(run.ID, outputs)
			db.SetDone(run.ID, err)
			if err != nil {
				return err
			}
			log.Info("saved run", zap.String("run", run.ID), zap.String("db", dbPath))
		}
		return nil
	},
}

var (
	addr        string
	dataRoot    string
	serveDBPath string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the explain API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log := skyhook.Logger()

		net, err := graph.Build(cfg.Model)
		if err != nil {
			return err
		}
		defer net.Close()
		db, err := app.OpenDB(serveDBPath)
		if err != nil {
			return err
		}
		defer db.Close()

		s := app.NewServer(db, net, app.Config{Config: cfg, DataRoot: dataRoot})
		defer s.Close()

		server, err := socketio.NewServer(nil)
		if err != nil {
			return err
		}
		server.OnConnect("/", func(c socketio.Conn) error {
			return nil
		})
		s.SetupSocket(server)
		go server.Serve()
		defer server.Close()

		mux := http.NewServeMux()
		mux.Handle("/socket.io/", server)
		mux.Handle("/", s.Router)
		log.Info("starting", zap.String("addr", addr))
		return http.ListenAndServe(addr, mux)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (default ./explain.yaml if present)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "debug logging")

	runCmd.Flags().StringVar(&dataPath, "data", "", "image folder (overrides data.path)")
	runCmd.Flags().StringVarP(&outDir, "out", "o", "", "output directory (overrides output.work_dir)")
	runCmd.Flags().StringVar(&dbPath, "db", "", "also store the run in this sqlite database")

	serveCmd.Flags().StringVar(&addr, "addr", ":8080", "bind address")
	serveCmd.Flags().StringVar(&serveDBPath, "db", "./explain.sqlite3", "sqlite database")
	serveCmd.Flags().StringVar(&dataRoot, "data-root", ".", "directory that run paths are resolved against")

	rootCmd.AddCommand(runCmd, serveCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		skyhook.Logger().Sync()
		stop()
		os.Exit(1)
	}
	skyhook.Logger().Sync()
}
