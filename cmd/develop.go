package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/BWLKyh/gulp-cli-automation/pkg"
	"github.com/BWLKyh/gulp-cli-automation/pkg/buildsys"
	"github.com/BWLKyh/gulp-cli-automation/pkg/devserver"
	"github.com/BWLKyh/gulp-cli-automation/pkg/notify"
	"github.com/BWLKyh/gulp-cli-automation/pkg/pagelog"
	"github.com/BWLKyh/gulp-cli-automation/pkg/project"
	"github.com/BWLKyh/gulp-cli-automation/pkg/watcher"
)

var developCmd = &cobra.Command{
	Use:   "develop",
	Short: "Compiles the site, serves it and rebuilds whenever a source changes",
	Long: `Compiles styles, scripts and pages once, then starts a dev server with live reload and
watches the sources. Failed rebuilds are reported but don't stop the watcher. Press Ctrl+C to exit.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, err := newSession(cmd)
		if err != nil {
			return err
		}
		defer sess.Close()

		ctx := sess.ctx
		cfg := sess.cfg
		srv := devserver.New(cfg, devserver.Options{
			Roots:  project.ServeRoots(cfg),
			Routes: map[string]string{"/node_modules": "node_modules"},
		})

		s := sess.scheduler(buildsys.Options{
			Notifier: notify.Multi{notify.LogNotifier{}, srv},
		})
		defer s.Close()

		table, err := s.Execute(ctx, project.Develop)
		if table == nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		for _, name := range table.Failed() {
			pkg.PrintError(fmt.Sprintf("%s: %v", name, table.Err(name)))
		}

		if err := srv.Start(ctx); err != nil {
			return err
		}

		w := watcher.New(cfg, s, srv, project.WatchRules(cfg))
		if err := w.Start(ctx); err != nil {
			srv.Shutdown(context.Background())
			return err
		}

		pkg.PrintTask(fmt.Sprintf("Serving on http://%s, press Ctrl+C to stop", srv.Addr()))
		for _, root := range project.ServeRoots(cfg) {
			pkg.PrintSubtask(root)
		}
		<-ctx.Done()

		pkg.PrintTask("Shutting down")
		if err := w.Stop(); err != nil {
			pagelog.Log(ctx).Warn().Err(err).Msg("Failed to close the watcher")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

func init() {
	rootCmd.AddCommand(developCmd)
}
