package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/disintegration/imaging"
	"github.com/spf13/cobra"

	"github.com/kozaktomas/recall/internal/config"
	"github.com/kozaktomas/recall/internal/faceengine"
	"github.com/kozaktomas/recall/internal/recognition"
)

var recognizeCmd = &cobra.Command{
	Use:   "recognize <image>...",
	Short: "Identify known people in images",
	Long: `Detect every face in each image and match it against the enrolled identities.

Faces that match nobody above the similarity threshold are reported as Unknown
with confidence 0. Results are ordered by confidence, highest first.

Examples:
  # Identify faces in a frame
  recall recognize frame.jpg

  # Only consider contacts of user 42 and use a stricter threshold
  recall recognize frame.jpg --owner 42 --threshold 0.55

  # Save copies with labelled face boxes
  recall recognize frames/*.jpg --annotate out/

  # Output as JSON
  recall recognize frame.jpg --json`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRecognize,
}

func init() {
	rootCmd.AddCommand(recognizeCmd)

	recognizeCmd.Flags().Int64("owner", 0, "Only match identities owned by this user id")
	recognizeCmd.Flags().Float64("threshold", 0, "Minimum cosine similarity for a match (default: the model's threshold)")
	recognizeCmd.Flags().Bool("json", false, "Output as JSON")
	recognizeCmd.Flags().String("annotate", "", "Directory to save images with face boxes drawn")
	recognizeCmd.Flags().Duration("timeout", 10*time.Second, "Per-image recognition timeout")
}

// recognizedFace is the JSON form of one result.
type recognizedFace struct {
	recognition.Result
	Error string `json:"error,omitempty"`
}

// recognizeOutput is the JSON output for one image.
type recognizeOutput struct {
	Image     string           `json:"image"`
	Threshold float64          `json:"threshold"`
	Faces     []recognizedFace `json:"faces"`
	Error     string           `json:"error,omitempty"`
}

func runRecognize(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg := config.Load()

	jsonOutput := mustGetBool(cmd, "json")
	annotateDir := mustGetString(cmd, "annotate")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	owner := ownerFlag(cmd)

	adapter, closeAdapter, err := openAdapter(cfg)
	if err != nil {
		return err
	}
	defer closeAdapter()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	pipeline := newPipeline(cfg, adapter, store)
	if err := pipeline.Validate(ctx); err != nil {
		return fmt.Errorf("identity store does not fit model %s: %w", adapter.Profile().Name, err)
	}

	threshold := pipeline.DefaultThreshold()
	if cmd.Flags().Changed("threshold") {
		threshold = mustGetFloat64(cmd, "threshold")
	}
	if err := recognition.ValidateThreshold(threshold); err != nil {
		return err
	}

	outputs := make([]recognizeOutput, 0, len(args))
	for _, path := range args {
		out := recognizeOutput{Image: path, Threshold: threshold, Faces: []recognizedFace{}}

		img, results, err := recognizeFile(ctx, pipeline, path, threshold, owner, timeout)
		if err != nil {
			if errorIsFatal(err) {
				return err
			}
			out.Error = err.Error()
		}
		for _, r := range results {
			face := recognizedFace{Result: r}
			if r.Err != nil {
				face.Error = r.Err.Error()
			}
			out.Faces = append(out.Faces, face)
		}
		outputs = append(outputs, out)

		if annotateDir != "" && img != nil && len(results) > 0 {
			if err := saveAnnotated(img, results, annotateDir, path); err != nil {
				warnf(jsonOutput, "Warning: could not save annotated %s: %v\n", path, err)
			}
		}
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(outputs)
	}
	printRecognizeOutputs(outputs)
	return nil
}

func recognizeFile(
	ctx context.Context, p *recognition.Pipeline, path string, threshold float64, owner *int64, timeout time.Duration,
) (image.Image, []recognition.Result, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is a user-supplied CLI argument
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read image: %w", err)
	}
	img, err := faceengine.DecodeImage(data)
	if err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results, err := p.Recognize(ctx, img, threshold, owner)
	if err != nil {
		return img, nil, err
	}
	return img, results, nil
}

// errorIsFatal reports configuration errors that would fail every image.
func errorIsFatal(err error) bool {
	return errors.Is(err, faceengine.ErrDimensionMismatch) || errors.Is(err, faceengine.ErrModelUnavailable)
}

func printRecognizeOutputs(outputs []recognizeOutput) {
	for _, out := range outputs {
		fmt.Printf("\n%s\n", out.Image)
		if out.Error != "" {
			fmt.Printf("  error: %s\n", out.Error)
			continue
		}
		if len(out.Faces) == 0 {
			fmt.Println("  no faces detected")
			continue
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "  NAME\tRELATION\tCONFIDENCE\tDET\tBOX\tNOTE")
		fmt.Fprintln(w, "  ----\t--------\t----------\t---\t---\t----")
		for _, f := range out.Faces {
			note := ""
			if f.Error != "" {
				note = "store unavailable"
			}
			fmt.Fprintf(w, "  %s\t%s\t%.3f\t%.2f\t%s\t%s\n",
				f.DisplayName, f.RelationLabel, f.Confidence, f.DetScore, formatBBox(f.BBox), note)
		}
		_ = w.Flush()
	}
}

func formatBBox(b faceengine.BBox) string {
	return fmt.Sprintf("%.0f,%.0f-%.0f,%.0f", b[0], b[1], b[2], b[3])
}

// warnf prints a formatted warning message if not in JSON output mode.
func warnf(jsonOutput bool, format string, args ...any) {
	if !jsonOutput {
		fmt.Printf(format, args...)
	}
}

// saveAnnotated draws the face boxes onto a copy of img and saves it as JPEG in dir.
func saveAnnotated(img image.Image, results []recognition.Result, dir, source string) error {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("mkdir failed: %w", err)
	}

	// Clone moves the origin to (0,0).
	origin := img.Bounds().Min
	dst := imaging.Clone(img)
	for _, r := range results {
		c := color.NRGBA{R: 255, A: 255}
		if r.Matched() {
			c = color.NRGBA{G: 200, A: 255}
		}
		drawBoundingBox(dst, r.BBox.Translate(-float64(origin.X), -float64(origin.Y)), 4, c)
	}
	dst = imaging.Fit(dst, 1080, 1080, imaging.Lanczos)

	name := strings.TrimSuffix(filepath.Base(source), filepath.Ext(source)) + "_recognized.jpg"
	if err := imaging.Save(dst, filepath.Join(dir, name), imaging.JPEGQuality(85)); err != nil {
		return fmt.Errorf("save failed: %w", err)
	}
	return nil
}

// drawBoundingBox draws a rectangle outline of the given line width.
func drawBoundingBox(dst *image.NRGBA, bbox faceengine.BBox, lineWidth int, c color.NRGBA) {
	x1, y1 := int(bbox[0]), int(bbox[1])
	x2, y2 := int(bbox[2]), int(bbox[3])

	for w := range lineWidth {
		drawHLine(dst, x1, x2, y1+w, c)
		drawHLine(dst, x1, x2, y2-w, c)
		drawVLine(dst, y1, y2, x1+w, c)
		drawVLine(dst, y1, y2, x2-w, c)
	}
}

// drawHLine draws a horizontal line on the image.
func drawHLine(dst *image.NRGBA, x1, x2, y int, c color.NRGBA) {
	bounds := dst.Bounds()
	if y < 0 || y >= bounds.Dy() {
		return
	}
	for x := x1; x <= x2; x++ {
		if x >= 0 && x < bounds.Dx() {
			dst.SetNRGBA(x, y, c)
		}
	}
}

// drawVLine draws a vertical line on the image.
func drawVLine(dst *image.NRGBA, y1, y2, x int, c color.NRGBA) {
	bounds := dst.Bounds()
	if x < 0 || x >= bounds.Dx() {
		return
	}
	for y := y1; y <= y2; y++ {
		if y >= 0 && y < bounds.Dy() {
			dst.SetNRGBA(x, y, c)
		}
	}
}
