package explain

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/skyhookml/explain/skyhook"

	gomapinfer "github.com/mitroadmaps/gomapinfer/common"
	geojson "github.com/paulmach/go.geojson"
	"go.uber.org/zap"
)

// SalientRegion returns the bounding box, in map pixel coordinates, of all
// pixels whose saliency is at least threshold. ok is false when no pixel qualifies.
func SalientRegion(saliency skyhook.Array, threshold int) (rect gomapinfer.Rectangle, ok bool) {
	height, width := saliency.Shape[0], saliency.Shape[1]
	rect = gomapinfer.EmptyRectangle
	for j := 0; j < height; j++ {
		for i := 0; i < width; i++ {
			if int(saliency.Bytes[j*width+i]) < threshold {
				continue
			}
			rect = rect.Extend(gomapinfer.Point{X: float64(i), Y: float64(j)})
			rect = rect.Extend(gomapinfer.Point{X: float64(i + 1), Y: float64(j + 1)})
			ok = true
		}
	}
	return rect, ok
}

func scaleRect(rect gomapinfer.Rectangle, sx, sy float64) gomapinfer.Rectangle {
	return gomapinfer.Rectangle{
		Min: gomapinfer.Point{X: rect.Min.X * sx, Y: rect.Min.Y * sy},
		Max: gomapinfer.Point{X: rect.Max.X * sx, Y: rect.Max.Y * sy},
	}
}

type featureVectorEntry struct {
	Key    string    `json:"key"`
	Vector []float32 `json:"vector"`
}

// Export writes the outputs of a run to cfg.WorkDir:
//   - <key>.saliency.png: heatmap blended over the source image with the salient region outlined
//   - feature_vectors.json
//   - regions.geojson: salient region per image, in source image pixel coordinates
func Export(outputs *Outputs, cfg OutputConfig) error {
	log := skyhook.Logger().Named("explain")
	if err := os.MkdirAll(cfg.WorkDir, 0755); err != nil {
		return err
	}
	if len(outputs.SaliencyMaps) > len(outputs.Keys) || len(outputs.FeatureVectors) > len(outputs.Keys) {
		return fmt.Errorf("outputs have more records than keys (%d saliency maps, %d feature vectors, %d keys)",
			len(outputs.SaliencyMaps), len(outputs.FeatureVectors), len(outputs.Keys))
	}

	fc := geojson.NewFeatureCollection()
	for i, saliency := range outputs.SaliencyMaps {
		key := outputs.Keys[i]
		heat, err := skyhook.HeatmapImage(saliency)
		if err != nil {
			return fmt.Errorf("example %s: %w", key, err)
		}
		im := heat
		if i < len(outputs.Images) {
			im = skyhook.Overlay(outputs.Images[i], heat, cfg.Alpha)
		}

		if rect, ok := SalientRegion(saliency, cfg.RegionThreshold); ok {
			rect = scaleRect(rect, float64(im.Width)/float64(heat.Width), float64(im.Height)/float64(heat.Height))
			im.DrawRectangle(int(rect.Min.X), int(rect.Min.Y), int(rect.Max.X), int(rect.Max.Y), 1, [3]uint8{255, 255, 255})
			feature := geojson.NewPolygonFeature([][][]float64{{
				{rect.Min.X, rect.Min.Y},
				{rect.Max.X, rect.Min.Y},
				{rect.Max.X, rect.Max.Y},
				{rect.Min.X, rect.Max.Y},
				{rect.Min.X, rect.Min.Y},
			}})
			feature.SetProperty("key", key)
			feature.SetProperty("threshold", cfg.RegionThreshold)
			fc.AddFeature(feature)
		}
		im.DrawText(skyhook.RichText{Text: key})

		bytes, err := im.AsPNG()
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(cfg.WorkDir, key+".saliency.png"), bytes, 0644); err != nil {
			return err
		}
	}

	entries := make([]featureVectorEntry, len(outputs.FeatureVectors))
	for i, fv := range outputs.FeatureVectors {
		entries[i] = featureVectorEntry{Key: outputs.Keys[i], Vector: fv.Floats}
	}
	if err := skyhook.WriteJSONFile(filepath.Join(cfg.WorkDir, "feature_vectors.json"), entries); err != nil {
		return err
	}

	regions, err := fc.MarshalJSON()
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(cfg.WorkDir, "regions.geojson"), regions, 0644); err != nil {
		return err
	}
	log.Info("exported", zap.String("dir", cfg.WorkDir), zap.Int("saliency_maps", len(outputs.SaliencyMaps)), zap.Int("regions", len(fc.Features)))
	return nil
}
