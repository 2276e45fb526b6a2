//go:build portaudio

package main

import (
	"github.com/MrWong99/zeno/internal/config"
	"github.com/MrWong99/zeno/pkg/audio"
	"github.com/MrWong99/zeno/pkg/audio/portaudio"
)

func init() {
	platformRegistrations = append(platformRegistrations, func(reg *config.Registry) {
		reg.RegisterCapture("portaudio", func(config.AudioConfig) (audio.CaptureDevice, error) {
			return portaudio.Capture{}, nil
		})
		reg.RegisterOutput("portaudio", func(config.AudioConfig) (audio.OutputDevice, error) {
			return portaudio.Output{}, nil
		})
	})
}
