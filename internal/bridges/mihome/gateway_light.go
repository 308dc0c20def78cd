package mihome

// Gateway light and ringtone constants.
const (
	// defaultVolume is used when the volume channel has no usable state.
	defaultVolume = 50

	// ringtoneStop is the "mid" value that silences the gateway.
	ringtoneStop = 10000

	// brightnessScale converts between brightness bytes and percentages.
	brightnessScale = 2.55

	brightnessMask = 0xff000000
)

// gatewayBehavior drives the gateway's RGB night light and speaker.
type gatewayBehavior struct{}

func (gatewayBehavior) Execute(channel string, cmd State, states StateReader) (Effects, error) {
	var fx Effects

	switch channel {
	case ChannelBrightness:
		switch c := cmd.(type) {
		case PercentType:
			fx.writeLight(currentColor(states), float64(c)/100)
		case OnOffType:
			brightness := 0.0
			if c == On {
				brightness = 1
			}
			fx.writeLight(currentColor(states), brightness)
		default:
			return Effects{}, unsupported(channel, cmd)
		}

	case ChannelColor:
		c, ok := cmd.(HSBType)
		if !ok {
			return Effects{}, unsupported(channel, cmd)
		}
		fx.writeLight(c.RGB()&rgbMask, currentBrightness(states))

	case ChannelColorTemperature:
		c, ok := cmd.(PercentType)
		if !ok {
			return Effects{}, unsupported(channel, cmd)
		}
		color := RGBFromKelvin(KelvinFromPercent(int(c)))
		fx.writeLight(color, currentBrightness(states))
		fx.update(ChannelColor, HSBFromPackedRGB(color))

	case ChannelSound:
		c, ok := cmd.(DecimalType)
		if !ok {
			return Effects{}, unsupported(channel, cmd)
		}
		fx.write(TargetGateway, []string{"mid", "vol"}, []any{int(c), currentVolume(states)})
		fx.update(ChannelSoundSwitch, On)

	case ChannelSoundSwitch:
		c, ok := cmd.(OnOffType)
		if !ok {
			return Effects{}, unsupported(channel, cmd)
		}
		if c == Off {
			fx.write(TargetGateway, []string{"mid"}, []any{ringtoneStop})
		}

	case ChannelVolume:
		// Volume is only read when a ringtone is started.

	default:
		return Effects{}, unsupported(channel, cmd)
	}

	return fx, nil
}

func (gatewayBehavior) ParseReport(data Payload) (Effects, error) {
	var fx Effects

	rgb, ok, err := data.Int("rgb")
	if err != nil {
		return Effects{}, err
	}
	if ok {
		// Brightness is the top byte of the 32-bit value, as PackLight writes it.
		level := int(float64(rgb>>24&0xff) / brightnessScale)
		fx.update(ChannelBrightness, PercentType(level))
		fx.update(ChannelColor, HSBFromPackedRGB(int(rgb&rgbMask)))
	}

	lux, ok, err := data.Float("illumination")
	if err != nil {
		return Effects{}, err
	}
	if ok {
		fx.update(ChannelIllumination, DecimalType(lux))
	}

	return fx, nil
}

// PackLight combines a 0xRRGGBB colour with a 0-1 brightness into the
// gateway's rgb field: brightness byte on top, colour below.
func PackLight(color int, brightness float64) int64 {
	level := int64(brightness * 255)
	return int64(color&rgbMask) | (level<<24)&brightnessMask
}

func (e *Effects) writeLight(color int, brightness float64) {
	e.write(TargetGateway, []string{"rgb"}, []any{PackLight(color, brightness)})
}

// currentColor returns the colour channel as 0xRRGGBB, white if unknown.
func currentColor(states StateReader) int {
	if st, ok := states.State(ChannelColor); ok {
		if hsb, ok := st.(HSBType); ok {
			return hsb.RGB() & rgbMask
		}
	}
	return rgbMask
}

// currentBrightness returns the brightness channel as 0-1, full if unknown.
func currentBrightness(states StateReader) float64 {
	st, ok := states.State(ChannelBrightness)
	if !ok {
		return 1
	}
	switch v := st.(type) {
	case PercentType:
		return float64(v) / 100
	case OnOffType:
		if v == On {
			return 1
		}
		return 0
	default:
		return 1
	}
}

// currentVolume returns the volume channel, defaultVolume if unknown.
func currentVolume(states StateReader) int {
	if st, ok := states.State(ChannelVolume); ok {
		if v, ok := st.(DecimalType); ok {
			return int(v)
		}
	}
	return defaultVolume
}
