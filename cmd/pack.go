package cmd

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/BWLKyh/gulp-cli-automation/pkg"
)

var packCmd = &cobra.Command{
	Use:   "pack archive_name",
	Short: "Packs the dist directory into a .tar.xz archive",
	Long: `Pass the name of the archive that should be generated. Run "pages build" first; the
current content of the dist directory is packed as-is.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, err := newSession(cmd)
		if err != nil {
			return err
		}
		defer sess.Close()

		dist := sess.cfg.Path(sess.cfg.DistDir)
		if _, err := os.Stat(dist); err != nil {
			return eris.Wrapf(err, "nothing to pack, %s is missing", sess.cfg.DistDir)
		}

		size, err := pkg.DirSize(dist)
		if err != nil {
			return err
		}

		var bar *progressbar.ProgressBar
		if sess.quiet || os.Getenv("CI") == "true" {
			bar = progressbar.NewOptions64(size, progressbar.OptionSetVisibility(false))
		} else {
			bar = progressbar.DefaultBytes(size, "packing")
		}

		count, err := pkg.PackDist(sess.ctx, args[0], dist, func(written int64) {
			bar.Set64(written)
		})
		bar.Finish()
		if err != nil {
			os.Remove(args[0])
			return err
		}

		pkg.PrintTask(fmt.Sprintf("Packed %d files into %s", count, args[0]))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(packCmd)
}
