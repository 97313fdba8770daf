package cli

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"despot1/pkg/nifti"
	"despot1/pkg/visualization"
)

// newPreviewCmd builds the preview subcommand: quick-look rendering of
// one slice of a parameter map without a medical image viewer
func newPreviewCmd() *cobra.Command {
	var (
		axis    string
		slice   int
		window  float64
		outPath string
		allDir  string
	)

	cmd := &cobra.Command{
		Use:   "preview <map_file>",
		Short: "Render one slice of a parameter map as a grayscale JPEG",
		Long: `Preview extracts a single slice from a scalar volume along the
chosen axis and writes it as a grayscale JPEG, linearly windowed from
zero to --window (the volume maximum when unset). With --all every
slice along the axis is written into a directory instead.

Example:
  despot1 preview D1_T1.nii --axis z --window 3.0 -o t1_slice.jpg`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vol, err := nifti.ReadVolume(args[0])
			if err != nil {
				return err
			}
			viewer := visualization.NewViewer(vol, window)

			if allDir != "" {
				return viewer.SaveSliceSequence(axis, allDir)
			}

			pos := slice
			if pos < 0 {
				if pos, err = viewer.MiddleSlice(axis); err != nil {
					return err
				}
			}
			img, err := viewer.ExtractSlice(axis, pos)
			if err != nil {
				return err
			}

			if outPath == "" {
				base := filepath.Base(args[0])
				base = strings.TrimSuffix(base, ".gz")
				base = strings.TrimSuffix(base, ".nii")
				outPath = fmt.Sprintf("%s_%s%03d.jpg", base, axis, pos)
			}
			return viewer.SaveSlice(img, outPath)
		},
	}

	cmd.Flags().StringVar(&axis, "axis", "z", "slice axis (x|y|z)")
	cmd.Flags().IntVar(&slice, "slice", -1, "slice position (-1 = middle)")
	cmd.Flags().Float64Var(&window, "window", 0, "display window maximum (0 = volume maximum)")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "output JPEG path (default derived from the input name)")
	cmd.Flags().StringVar(&allDir, "all", "", "write every slice along the axis into this directory")

	return cmd
}
