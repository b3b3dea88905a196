package skyhook

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"strings"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Image is an RGB image stored as interleaved bytes.
type Image struct {
	Width  int
	Height int
	Bytes  []byte
}

func NewImage(width int, height int) Image {
	return Image{
		Width:  width,
		Height: height,
		Bytes:  make([]byte, 3*width*height),
	}
}

func ImageFromJPGReader(rd io.Reader) (Image, error) {
	im, err := jpeg.Decode(rd)
	if err != nil {
		return Image{}, err
	}
	return ImageFromGoImage(im), nil
}

func ImageFromPNGReader(rd io.Reader) (Image, error) {
	im, err := png.Decode(rd)
	if err != nil {
		return Image{}, err
	}
	return ImageFromGoImage(im), nil
}

func ImageFromGoImage(im image.Image) Image {
	rect := im.Bounds()
	width := rect.Dx()
	height := rect.Dy()
	bytes := make([]byte, width*height*3)
	for i := 0; i < width; i++ {
		for j := 0; j < height; j++ {
			r, g, b, _ := im.At(i+rect.Min.X, j+rect.Min.Y).RGBA()
			bytes[(j*width+i)*3+0] = uint8(r >> 8)
			bytes[(j*width+i)*3+1] = uint8(g >> 8)
			bytes[(j*width+i)*3+2] = uint8(b >> 8)
		}
	}
	return Image{
		Width:  width,
		Height: height,
		Bytes:  bytes,
	}
}

// ImageFromFile decodes a JPEG or PNG file, chosen by extension.
func ImageFromFile(fname string) (Image, error) {
	file, err := os.Open(fname)
	if err != nil {
		return Image{}, err
	}
	defer file.Close()
	switch strings.ToLower(Ext(fname)) {
	case "jpg", "jpeg":
		return ImageFromJPGReader(file)
	case "png":
		return ImageFromPNGReader(file)
	}
	return Image{}, fmt.Errorf("unrecognized image extension in [%s]", fname)
}

func (im Image) AsImage() image.Image {
	pixbuf := make([]byte, im.Width*im.Height*4)
	j := 0
	channels := 0
	for i := range im.Bytes {
		pixbuf[j] = im.Bytes[i]
		j++
		channels++
		if channels == 3 {
			pixbuf[j] = 255
			j++
			channels = 0
		}
	}
	img := &image.RGBA{
		Pix:    pixbuf,
		Stride: im.Width * 4,
		Rect:   image.Rect(0, 0, im.Width, im.Height),
	}
	return img
}

func (im Image) AsPNG() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := png.Encode(buf, im.AsImage()); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Resize scales the image with bilinear interpolation.
func (im Image) Resize(width int, height int) Image {
	if width == im.Width && height == im.Height {
		return im.Copy()
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.BiLinear.Scale(dst, dst.Bounds(), im.AsImage(), im.Bounds(), draw.Src, nil)
	return ImageFromGoImage(dst)
}

// ToTensor converts the image into a (1, 3, H, W) tensor, scaling bytes to
// [0, 1] and then normalizing each channel with mean and std.
func (im Image) ToTensor(mean [3]float32, std [3]float32) *Tensor {
	t := NewTensor(1, 3, im.Height, im.Width)
	for c := 0; c < 3; c++ {
		s := std[c]
		if s == 0 {
			s = 1
		}
		plane := t.Plane(0, c)
		for p := range plane {
			v := float32(im.Bytes[p*3+c]) / 255
			plane[p] = (v - mean[c]) / s
		}
	}
	return t
}

func (im Image) SetRGB(i int, j int, color [3]uint8) {
	if i < 0 || i >= im.Width || j < 0 || j >= im.Height {
		return
	}
	for channel := 0; channel < 3; channel++ {
		im.Bytes[(j*im.Width+i)*3+channel] = color[channel]
	}
}

func (im Image) GetRGB(i int, j int) [3]uint8 {
	var color [3]uint8
	for channel := 0; channel < 3; channel++ {
		color[channel] = im.Bytes[(j*im.Width+i)*3+channel]
	}
	return color
}

func (im Image) FillRectangle(left, top, right, bottom int, color [3]uint8) {
	for i := left; i < right; i++ {
		for j := top; j < bottom; j++ {
			im.SetRGB(i, j, color)
		}
	}
}

func (im Image) Copy() Image {
	bytes := make([]byte, len(im.Bytes))
	copy(bytes, im.Bytes)
	return Image{
		Width:  im.Width,
		Height: im.Height,
		Bytes:  bytes,
	}
}

func (im Image) DrawRectangle(left, top, right, bottom int, width int, color [3]uint8) {
	im.FillRectangle(left-width, top, left+width, bottom, color)
	im.FillRectangle(right-width, top, right+width, bottom, color)
	im.FillRectangle(left, top-width, right, top+width, color)
	im.FillRectangle(left, bottom-width, right, bottom+width, color)
}

type RichText struct {
	Text string
	X    int
	Y    int
}

func (im Image) DrawText(text RichText) {
	c := color.RGBA{255, 255, 255, 255}
	if text.X == 0 && text.Y == 0 {
		text.X = 5
		text.Y = 5
	}
	text.Y += 7 // center since height is 13
	p := fixed.P(text.X, text.Y)
	d := &font.Drawer{
		Dst:  im,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  p,
	}
	rect, _ := d.BoundString(text.Text)
	sx, sy := rect.Min.X.Round(), rect.Min.Y.Round()
	ex, ey := rect.Max.X.Round(), rect.Max.Y.Round()
	im.FillRectangle(sx-3, sy-3, ex+3, ey+3, [3]uint8{0, 0, 0})
	d.DrawString(text.Text)
}

// for draw.Image

func (im Image) Set(i int, j int, c color.Color) {
	r, g, b, _ := c.RGBA()
	im.SetRGB(i, j, [3]uint8{uint8(r >> 8), uint8(g >> 8), uint8(b >> 8)})
}

func (im Image) At(i int, j int) color.Color {
	c := im.GetRGB(i, j)
	return color.RGBA{c[0], c[1], c[2], 255}
}

func (im Image) ColorModel() color.Model {
	return color.RGBAModel
}

func (im Image) Bounds() image.Rectangle {
	return image.Rectangle{image.Point{0, 0}, image.Point{im.Width, im.Height}}
}
