package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/BWLKyh/gulp-cli-automation/pkg"
	"github.com/BWLKyh/gulp-cli-automation/pkg/buildsys"
	"github.com/BWLKyh/gulp-cli-automation/pkg/notify"
	"github.com/BWLKyh/gulp-cli-automation/pkg/project"
)

var errTasksFailed = eris.New("at least one task failed")

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Builds the production site into the dist directory",
	Long: `Removes the previous output, compiles styles, scripts and pages, bundles and minifies the
assets referenced by the pages, compresses images and fonts and finally copies the public files.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, err := newSession(cmd)
		if err != nil {
			return err
		}
		defer sess.Close()

		return runPlan(sess, "build", project.Build)
	},
}

func init() {
	rootCmd.AddCommand(buildCmd)
}

func getProgressBar(sess *session, length int, desc string) *progressbar.ProgressBar {
	if sess.quiet || os.Getenv("CI") == "true" {
		return progressbar.NewOptions(length, progressbar.OptionSetVisibility(false))
	}

	return progressbar.NewOptions(length,
		progressbar.OptionSetDescription(desc),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
}

// runPlan executes plan and prints every failed task. It returns errTasksFailed if any task failed.
func runPlan(sess *session, label string, plan buildsys.Plan) error {
	var bar *progressbar.ProgressBar
	s := sess.scheduler(buildsys.Options{
		Notifier: notify.LogNotifier{},
		OnFinish: func(task string, state buildsys.RunState, err error) {
			bar.Add(1)
		},
	})
	defer s.Close()

	names, err := s.Tasks(plan)
	if err != nil {
		return err
	}
	bar = getProgressBar(sess, len(names), label)

	start := time.Now()
	table, err := s.Execute(sess.ctx, plan)
	bar.Finish()
	if table == nil {
		// configuration problem, nothing ran
		return err
	}

	failed := table.Failed()
	if len(failed) > 0 || err != nil {
		pkg.PrintTask(fmt.Sprintf("%s failed", label))
		for _, name := range failed {
			pkg.PrintError(fmt.Sprintf("%s: %v", name, table.Err(name)))
		}
		if len(failed) == 0 {
			pkg.PrintError(err.Error())
		}
		return errTasksFailed
	}

	pkg.PrintTask(fmt.Sprintf("%s finished after %s", label, time.Since(start).Round(time.Millisecond)))
	return nil
}
