//go:build gl

package gpu

import (
	"fmt"

	"github.com/go-gl/gl/v3.2-core/gl"
	"github.com/veandco/go-sdl2/sdl"

	"github.com/bryanchriswhite/FrameSync/internal/pixfmt"
)

func init() {
	register("gl", func() (Device, error) { return NewGL() })
}

// GL is a Device backed by an OpenGL 3.2 core context on a hidden SDL
// window. The context is current on the OS thread that called NewGL and
// every method must run on that thread.
type GL struct {
	window  *sdl.Window
	context sdl.GLContext
}

// NewGL creates the hidden window and its context, makes the context
// current and loads the GL function pointers. The caller must have locked
// its goroutine to the OS thread.
func NewGL() (*GL, error) {
	if err := sdl.Init(sdl.INIT_VIDEO); err != nil {
		return nil, fmt.Errorf("%w: sdl: %v", ErrBackend, err)
	}

	attrs := []struct {
		attr  sdl.GLattr
		value int
	}{
		{sdl.GL_CONTEXT_MAJOR_VERSION, 3},
		{sdl.GL_CONTEXT_MINOR_VERSION, 2},
		{sdl.GL_CONTEXT_FLAGS, sdl.GL_CONTEXT_FORWARD_COMPATIBLE_FLAG},
		{sdl.GL_CONTEXT_PROFILE_MASK, sdl.GL_CONTEXT_PROFILE_CORE},
	}
	for _, a := range attrs {
		if err := sdl.GLSetAttribute(a.attr, a.value); err != nil {
			sdl.Quit()
			return nil, fmt.Errorf("%w: sdl: %v", ErrBackend, err)
		}
	}

	window, err := sdl.CreateWindow("framesync", sdl.WINDOWPOS_UNDEFINED, sdl.WINDOWPOS_UNDEFINED,
		16, 16, sdl.WINDOW_OPENGL|sdl.WINDOW_HIDDEN)
	if err != nil {
		sdl.Quit()
		return nil, fmt.Errorf("%w: sdl: %v", ErrBackend, err)
	}
	d := &GL{window: window}

	d.context, err = window.GLCreateContext()
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("%w: sdl: %v", ErrBackend, err)
	}
	if err := window.GLMakeCurrent(d.context); err != nil {
		d.Close()
		return nil, fmt.Errorf("%w: sdl: %v", ErrBackend, err)
	}
	if err := gl.Init(); err != nil {
		d.Close()
		return nil, fmt.Errorf("%w: gl: %v", ErrBackend, err)
	}
	return d, nil
}

// Close destroys the context and the window and shuts SDL down.
func (d *GL) Close() error {
	if d.window == nil {
		return nil
	}
	if d.context != nil {
		sdl.GLDeleteContext(d.context)
		d.context = nil
	}
	err := d.window.Destroy()
	d.window = nil
	sdl.Quit()
	return err
}

func glFormat(f pixfmt.Format) (uint32, error) {
	switch f {
	case pixfmt.RGBA:
		return gl.RGBA, nil
	case pixfmt.BGRA:
		return gl.BGRA, nil
	}
	return 0, fmt.Errorf("gpu: unsupported pixel format %s", f)
}

func glError(op string) error {
	if code := gl.GetError(); code != gl.NO_ERROR {
		return fmt.Errorf("gpu: %s: gl error 0x%x", op, code)
	}
	return nil
}

func (d *GL) NewTexture(width, height int) (uint32, error) {
	var tex uint32
	gl.GenTextures(1, &tex)
	gl.BindTexture(gl.TEXTURE_2D, tex)
	gl.TexImage2D(gl.TEXTURE_2D, 0, gl.RGBA8, int32(width), int32(height), 0, gl.RGBA, gl.UNSIGNED_BYTE, nil)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MIN_FILTER, gl.LINEAR)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MAG_FILTER, gl.LINEAR)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_WRAP_S, gl.CLAMP_TO_EDGE)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_WRAP_T, gl.CLAMP_TO_EDGE)
	if err := glError("new texture"); err != nil {
		gl.DeleteTextures(1, &tex)
		return 0, err
	}
	return tex, nil
}

func (d *GL) ResizeTexture(tex uint32, width, height int) error {
	gl.BindTexture(gl.TEXTURE_2D, tex)
	gl.TexImage2D(gl.TEXTURE_2D, 0, gl.RGBA8, int32(width), int32(height), 0, gl.RGBA, gl.UNSIGNED_BYTE, nil)
	return glError("resize texture")
}

func (d *GL) DeleteTexture(tex uint32) {
	gl.DeleteTextures(1, &tex)
}

func (d *GL) TextureSize(tex uint32) (int, int, error) {
	var w, h int32
	gl.BindTexture(gl.TEXTURE_2D, tex)
	gl.GetTexLevelParameteriv(gl.TEXTURE_2D, 0, gl.TEXTURE_WIDTH, &w)
	gl.GetTexLevelParameteriv(gl.TEXTURE_2D, 0, gl.TEXTURE_HEIGHT, &h)
	if err := glError("texture size"); err != nil {
		return 0, 0, err
	}
	return int(w), int(h), nil
}

func (d *GL) UploadTexture(tex uint32, format pixfmt.Format, pixels []byte) error {
	f, err := glFormat(format)
	if err != nil {
		return err
	}
	w, h, err := d.TextureSize(tex)
	if err != nil {
		return err
	}
	if len(pixels) < pixfmt.FrameSize(w, h) {
		return fmt.Errorf("gpu: upload needs %d bytes, got %d", pixfmt.FrameSize(w, h), len(pixels))
	}
	gl.PixelStorei(gl.UNPACK_ALIGNMENT, 4)
	gl.TexSubImage2D(gl.TEXTURE_2D, 0, 0, 0, int32(w), int32(h), f, gl.UNSIGNED_BYTE, gl.Ptr(pixels))
	return glError("upload texture")
}

func (d *GL) NewFramebuffer() (uint32, error) {
	var fb uint32
	gl.GenFramebuffers(1, &fb)
	if fb == 0 {
		return 0, ErrIncomplete
	}
	return fb, glError("new framebuffer")
}

func (d *GL) DeleteFramebuffer(fb uint32) {
	gl.DeleteFramebuffers(1, &fb)
}

func (d *GL) AttachTexture(fb, tex uint32) error {
	gl.BindFramebuffer(gl.FRAMEBUFFER, fb)
	gl.FramebufferTexture2D(gl.FRAMEBUFFER, gl.COLOR_ATTACHMENT0, gl.TEXTURE_2D, tex, 0)
	if status := gl.CheckFramebufferStatus(gl.FRAMEBUFFER); status != gl.FRAMEBUFFER_COMPLETE {
		return fmt.Errorf("%w: status 0x%x", ErrIncomplete, status)
	}
	return nil
}

func (d *GL) Bindings() Bindings {
	var read, draw, tex int32
	gl.GetIntegerv(gl.READ_FRAMEBUFFER_BINDING, &read)
	gl.GetIntegerv(gl.DRAW_FRAMEBUFFER_BINDING, &draw)
	gl.GetIntegerv(gl.TEXTURE_BINDING_2D, &tex)
	return Bindings{
		ReadFramebuffer: uint32(read),
		DrawFramebuffer: uint32(draw),
		Texture:         uint32(tex),
	}
}

func (d *GL) Restore(b Bindings) {
	gl.BindFramebuffer(gl.READ_FRAMEBUFFER, b.ReadFramebuffer)
	gl.BindFramebuffer(gl.DRAW_FRAMEBUFFER, b.DrawFramebuffer)
	gl.BindTexture(gl.TEXTURE_2D, b.Texture)
}

func (d *GL) BindTexture(tex uint32) {
	gl.BindTexture(gl.TEXTURE_2D, tex)
}

func (d *GL) Blit(src, dst uint32, width, height int) error {
	gl.BindFramebuffer(gl.READ_FRAMEBUFFER, src)
	gl.BindFramebuffer(gl.DRAW_FRAMEBUFFER, dst)
	gl.BlitFramebuffer(0, 0, int32(width), int32(height),
		0, 0, int32(width), int32(height),
		gl.COLOR_BUFFER_BIT, gl.NEAREST)
	return glError("blit")
}

func (d *GL) ReadPixels(fb uint32, width, height int, format pixfmt.Format, dst []byte) error {
	f, err := glFormat(format)
	if err != nil {
		return err
	}
	if len(dst) < pixfmt.FrameSize(width, height) {
		return fmt.Errorf("gpu: read %dx%d needs %d bytes, got %d", width, height, pixfmt.FrameSize(width, height), len(dst))
	}
	gl.BindFramebuffer(gl.READ_FRAMEBUFFER, fb)
	gl.Finish()
	gl.PixelStorei(gl.PACK_ALIGNMENT, 4)
	gl.ReadPixels(0, 0, int32(width), int32(height), f, gl.UNSIGNED_BYTE, gl.Ptr(dst))
	return glError("read pixels")
}
