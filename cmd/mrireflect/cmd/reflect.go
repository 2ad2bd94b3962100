package cmd

import (
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"mrireflect/internal/models"
	"mrireflect/pkg/config"
	"mrireflect/pkg/engine"
	"mrireflect/pkg/imageio"
	"mrireflect/pkg/reflect"
	"mrireflect/pkg/transform"
	"mrireflect/pkg/visualization"
)

// runFlags are shared by reflect and asymmetry.
type runFlags struct {
	input     string
	output    string
	axis      int
	txType    string
	metric    string
	engine    string
	prefix    string
	center    string
	quicklook string
}

func (f *runFlags) register(cmd *cobra.Command, defaultType string) {
	cmd.Flags().StringVarP(&f.input, "input", "i", "", "input image (.nii, .nii.gz, .png)")
	cmd.Flags().StringVarP(&f.output, "output", "o", "", "output image")
	cmd.Flags().IntVar(&f.axis, "axis", reflect.DefaultAxis, "axis to mirror (default: last axis)")
	cmd.Flags().StringVar(&f.txType, "type", defaultType, "registration transform type, e.g. Rigid, Affine, TRSAA")
	cmd.Flags().StringVar(&f.metric, "metric", "", "registration metric: mattes, meansquares or gc (default from config)")
	cmd.Flags().StringVar(&f.engine, "engine", "", "engine: builtin or ants (default from config)")
	cmd.Flags().StringVar(&f.prefix, "keep-prefix", "", "keep registration transforms under this prefix")
	cmd.Flags().StringVar(&f.center, "center", "", "mirror plane centre: mass or geometric (default from config)")
	cmd.MarkFlagRequired("input")
	cmd.MarkFlagRequired("output")
}

func (f *runFlags) options(cfg *config.Config, logger log.FieldLogger) (reflect.Options, error) {
	center := f.center
	if center == "" {
		center = cfg.Reflect.Center
	}
	mode, err := transform.ParseCenterMode(center)
	if err != nil {
		return reflect.Options{}, err
	}
	metric := f.metric
	if metric == "" {
		metric = cfg.Registration.Metric
	}
	return reflect.Options{
		Axis:          f.axis,
		TransformType: f.txType,
		Metric:        metric,
		Center:        mode,
		OutputPrefix:  f.prefix,
		TempDir:       cfg.Reflect.TempDir,
		Logger:        logger,
	}, nil
}

// setup loads the config, the input image and the engine.
func (f *runFlags) setup() (*config.Config, *log.Entry, *models.Image, engine.Engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	logger := newLogger(cfg)
	img, err := imageio.Read(f.input)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	// Integer inputs are processed as float, which the estimators cover.
	if img.PixelType != models.PixelDouble {
		img.PixelType = models.PixelFloat
	}
	eng, err := engine.New(f.engine, cfg, logger)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	logger = logger.WithField("engine", eng.Name())
	logger.WithFields(log.Fields{
		"input":  f.input,
		"size":   img.Size,
		"pixels": img.PixelType.String(),
	}).Info("image loaded")
	return cfg, logger, img, eng, nil
}

var reflectFlags runFlags

var reflectCmd = &cobra.Command{
	Use:   "reflect",
	Short: "Mirror an image across an axis",
	Long: `Mirrors an image across the plane orthogonal to an axis through its
centre of gravity. With --type the image is then registered to its mirror,
starting from the reflection, and the warped mirror is written.

Examples:
  mrireflect reflect -i brain.nii.gz -o mirrored.nii.gz
  mrireflect reflect -i brain.nii.gz -o aligned.nii.gz --axis 0 --type Affine
  mrireflect reflect -i slice.png -o flipped.png --center geometric`,
	RunE: runReflect,
}

func init() {
	reflectFlags.register(reflectCmd, "")
	reflectCmd.Flags().StringVar(&reflectFlags.quicklook, "quicklook", "", "also save the central plane of the output as PNG")
	rootCmd.AddCommand(reflectCmd)
}

func runReflect(cmd *cobra.Command, args []string) error {
	cfg, logger, img, eng, err := reflectFlags.setup()
	if err != nil {
		return err
	}
	opts, err := reflectFlags.options(cfg, logger)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	start := time.Now()
	res, err := reflect.Reflect(ctx, eng, img, opts)
	if err != nil {
		return err
	}
	out := res.Warped()
	if err := imageio.Write(reflectFlags.output, out); err != nil {
		return err
	}
	logger.WithFields(log.Fields{
		"axis":     res.Axis,
		"output":   reflectFlags.output,
		"duration": time.Since(start).Round(time.Millisecond),
	}).Info("reflection written")

	if reflectFlags.quicklook != "" {
		if err := saveQuicklook(out, reflectFlags.quicklook); err != nil {
			return err
		}
	}
	if res.Registration != nil && len(res.Registration.FwdTransformPaths) > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "Forward transform: %s\n", strings.Join(res.Registration.FwdTransformPaths, " "))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Mirrored across axis %d: %s\n", res.Axis, reflectFlags.output)
	return nil
}

func saveQuicklook(img *models.Image, path string) error {
	viewer, err := visualization.NewViewer(img)
	if err != nil {
		return err
	}
	pos, err := viewer.MidSlice("z")
	if err != nil {
		return err
	}
	slice, err := viewer.ExtractSlice("z", pos)
	if err != nil {
		return err
	}
	return viewer.SaveSlice(slice, path)
}
