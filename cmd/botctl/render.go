package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/mdp/qrterminal/v3"

	"botdeck/internal/model"
	"botdeck/internal/pairing"
)

// printer draws controller state on a terminal. Only changes are printed.
type printer struct {
	w       io.Writer
	pngPath string

	mu          sync.Mutex
	lastMessage string
	lastValue   string
}

func newPrinter(w io.Writer, pngPath string) *printer {
	return &printer{w: w, pngPath: pngPath}
}

func (p *printer) Render(s pairing.State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s.Message != "" && s.Message != p.lastMessage {
		fmt.Fprintf(p.w, "[%s] %s\n", s.Status(), s.Message)
	}
	p.lastMessage = s.Message

	if s.Artifact == nil {
		p.lastValue = ""
		return
	}
	if s.Artifact.Value == p.lastValue {
		return
	}
	p.lastValue = s.Artifact.Value

	switch s.Artifact.Kind {
	case model.ArtifactCode:
		fmt.Fprintf(p.w, "\n    Pairing code:  %s\n\n", s.Artifact.Value)
		fmt.Fprintln(p.w, "Type n + Enter for a new code, c + Enter to cancel.")
	case model.ArtifactImage:
		if !strings.HasPrefix(s.Artifact.Value, "data:") {
			qrterminal.GenerateHalfBlock(s.Artifact.Value, qrterminal.L, p.w)
		}
		if p.pngPath != "" || strings.HasPrefix(s.Artifact.Value, "data:") {
			p.savePNG(*s.Artifact)
		}
	}
}

func (p *printer) savePNG(a model.PairingArtifact) {
	path := p.pngPath
	if path == "" {
		path = "botdeck-qr.png"
	}
	png, err := pairing.RenderPNG(a, 512)
	if err != nil {
		fmt.Fprintln(p.w, "could not render QR image:", err)
		return
	}
	if err := os.WriteFile(path, png, 0o644); err != nil {
		fmt.Fprintln(p.w, "could not save QR image:", err)
		return
	}
	fmt.Fprintf(p.w, "QR image saved to %s\n", path)
}
