package skyhook

import (
	"fmt"
)

// JetColor maps an intensity onto the blue-cyan-yellow-red colormap.
func JetColor(v uint8) [3]uint8 {
	x := float64(v) / 255
	channel := func(center float64) uint8 {
		d := x - center
		if d < 0 {
			d = -d
		}
		y := 1.5 - 4*d
		if y < 0 {
			y = 0
		} else if y > 1 {
			y = 1
		}
		return uint8(y * 255)
	}
	return [3]uint8{channel(0.75), channel(0.5), channel(0.25)}
}

// HeatmapImage colorizes a 2D uint8 saliency map.
func HeatmapImage(saliency Array) (Image, error) {
	if saliency.Type != Uint8Array || len(saliency.Shape) != 2 {
		return Image{}, fmt.Errorf("heatmap needs a 2D uint8 array, got %s%v", saliency.Type, saliency.Shape)
	}
	height, width := saliency.Shape[0], saliency.Shape[1]
	im := NewImage(width, height)
	for j := 0; j < height; j++ {
		for i := 0; i < width; i++ {
			im.SetRGB(i, j, JetColor(saliency.Bytes[j*width+i]))
		}
	}
	return im, nil
}

// Overlay scales heat to the size of base and alpha-blends it on top.
func Overlay(base Image, heat Image, alpha float64) Image {
	heat = heat.Resize(base.Width, base.Height)
	out := base.Copy()
	for i := range out.Bytes {
		v := (1-alpha)*float64(base.Bytes[i]) + alpha*float64(heat.Bytes[i])
		out.Bytes[i] = uint8(Clip(int(v+0.5), 0, 255))
	}
	return out
}
