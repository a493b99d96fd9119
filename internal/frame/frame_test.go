package frame

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("keeps zero-origin rgba buffer", func(t *testing.T) {
		img := image.NewRGBA(image.Rect(0, 0, 4, 3))
		f := New(img, 7)

		assert.Same(t, img, f.Image)
		assert.Equal(t, uint64(7), f.Seq)
		assert.Equal(t, image.Pt(4, 3), f.Size())
		assert.False(t, f.Empty())
	})

	t.Run("copies other image types", func(t *testing.T) {
		img := image.NewGray(image.Rect(2, 2, 6, 4))
		img.SetGray(2, 2, color.Gray{Y: 200})

		f := New(img, 1)
		require.NotNil(t, f.Image)
		assert.Equal(t, 4, f.Width)
		assert.Equal(t, 2, f.Height)

		r, g, b, _ := f.Image.At(0, 0).RGBA()
		assert.Equal(t, uint32(200), r>>8)
		assert.Equal(t, uint32(200), g>>8)
		assert.Equal(t, uint32(200), b>>8)
	})
}

func TestDeriveKeepsIdentity(t *testing.T) {
	src := New(image.NewRGBA(image.Rect(0, 0, 8, 8)), 42)
	src.SessionID = "session"

	d := src.Derive(image.NewRGBA(image.Rect(0, 0, 2, 2)))
	assert.Equal(t, uint64(42), d.Seq)
	assert.Equal(t, "session", d.SessionID)
	assert.Equal(t, src.Timestamp, d.Timestamp)
	assert.Equal(t, 2, d.Width)
}

func TestEmpty(t *testing.T) {
	var f *Frame
	assert.True(t, f.Empty())
	assert.True(t, (&Frame{}).Empty())
}
