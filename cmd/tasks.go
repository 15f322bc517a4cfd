package cmd

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mitchellh/colorstring"
	"github.com/spf13/cobra"

	"github.com/BWLKyh/gulp-cli-automation/pkg/buildsys"
	"github.com/BWLKyh/gulp-cli-automation/pkg/project"
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Removes the dist and temp directories",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, err := newSession(cmd)
		if err != nil {
			return err
		}
		defer sess.Close()

		if err := runPlan(sess, "clean", buildsys.Run("clean")); err != nil {
			return err
		}

		// nothing recorded in the cache exists anymore
		return sess.cache.Reset()
	},
}

var runCmd = &cobra.Command{
	Use:   "run task_or_plan...",
	Short: "Runs the named tasks or plans",
	Long: `Runs the passed tasks (see "pages list") together with the tasks they depend on. The names of
the predefined plans (compile, build, develop) are accepted as well. Everything runs in parallel.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, err := newSession(cmd)
		if err != nil {
			return err
		}
		defer sess.Close()

		steps := make([]buildsys.Plan, len(args))
		for idx, name := range args {
			if plan, ok := project.Plans[name]; ok {
				steps[idx] = plan
			} else {
				steps[idx] = buildsys.Run(name)
			}
		}

		plan := steps[0]
		if len(steps) > 1 {
			plan = buildsys.Parallel(steps...)
		}
		return runPlan(sess, "run", plan)
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Lists the available tasks and plans",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, err := newSession(cmd)
		if err != nil {
			return err
		}
		defer sess.Close()

		order, err := sess.graph.TopologicalOrder()
		if err != nil {
			return err
		}

		maxNameLen := 0
		for _, name := range order {
			if len(name) > maxNameLen {
				maxNameLen = len(name)
			}
		}

		fmt.Println("Available tasks:")
		lineFmt := fmt.Sprintf(" * [bold]%%-%ds[reset] %%s", maxNameLen+3)
		for _, name := range order {
			task, _ := sess.graph.Task(name)
			deps := ""
			if len(task.Deps) > 0 {
				deps = " (after " + strings.Join(task.Deps, ", ") + ")"
			}
			colorstring.Printf(lineFmt+"[dark_gray]%s[reset]\n", name+":", task.Desc, deps)
		}

		planNames := make([]string, 0, len(project.Plans))
		for name := range project.Plans {
			planNames = append(planNames, name)
		}
		sort.Strings(planNames)

		fmt.Println("\nAvailable plans:")
		for _, name := range planNames {
			colorstring.Printf(" * [bold]%s:[reset] %s\n", name, project.Plans[name])
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cleanCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(listCmd)
}
