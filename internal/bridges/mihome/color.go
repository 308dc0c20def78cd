package mihome

import "math"

// Colour temperature mapping for the gateway light.
const (
	// kelvinPerPercent and kelvinBase map 0-100 % onto 1700-6500 K.
	kelvinPerPercent = 48
	kelvinBase       = 1700

	rgbMask = 0xffffff
)

// KelvinFromPercent maps a colour-temperature percentage to Kelvin.
func KelvinFromPercent(percent int) int {
	return kelvinPerPercent*percent + kelvinBase
}

// RGBFromKelvin approximates the RGB colour of a black body at the given
// temperature (Tanner Helland's curve fit). The result is packed 0xRRGGBB.
func RGBFromKelvin(kelvin int) int {
	temp := float64(kelvin) / 100

	var r, g, b float64
	if temp <= 66 {
		r = 255
		g = 99.4708025861*math.Log(temp) - 161.1195681661
	} else {
		r = 329.698727446 * math.Pow(temp-60, -0.1332047592)
		g = 288.1221695283 * math.Pow(temp-60, -0.0755148492)
	}

	switch {
	case temp >= 66:
		b = 255
	case temp <= 19:
		b = 0
	default:
		b = 138.5177312231*math.Log(temp-10) - 305.0447927307
	}

	return clampByte(r)<<16 | clampByte(g)<<8 | clampByte(b)
}

// HSBFromRGB converts 8-bit RGB components to an HSBType.
func HSBFromRGB(r, g, b int) HSBType {
	rf, gf, bf := float64(r&0xff), float64(g&0xff), float64(b&0xff)
	maxC := math.Max(rf, math.Max(gf, bf))
	minC := math.Min(rf, math.Min(gf, bf))
	delta := maxC - minC

	var hue float64
	switch {
	case delta == 0:
		hue = 0
	case maxC == rf:
		hue = math.Mod((gf-bf)/delta, 6) * 60
	case maxC == gf:
		hue = ((bf-rf)/delta + 2) * 60
	default:
		hue = ((rf-gf)/delta + 4) * 60
	}
	if hue < 0 {
		hue += 360
	}

	var saturation float64
	if maxC > 0 {
		saturation = delta / maxC * 100
	}

	return HSBType{
		Hue:        hue,
		Saturation: saturation,
		Brightness: maxC / 255 * 100,
	}
}

// HSBFromPackedRGB converts a packed 0xRRGGBB value to an HSBType.
func HSBFromPackedRGB(rgb int) HSBType {
	return HSBFromRGB(rgb>>16&0xff, rgb>>8&0xff, rgb&0xff)
}

// RGB returns the colour packed as 0xRRGGBB.
func (h HSBType) RGB() int {
	s := h.Saturation / 100
	v := h.Brightness / 100
	c := v * s
	hp := math.Mod(h.Hue, 360) / 60
	x := c * (1 - math.Abs(math.Mod(hp, 2)-1))

	var r, g, b float64
	switch {
	case hp < 1:
		r, g, b = c, x, 0
	case hp < 2:
		r, g, b = x, c, 0
	case hp < 3:
		r, g, b = 0, c, x
	case hp < 4:
		r, g, b = 0, x, c
	case hp < 5:
		r, g, b = x, 0, c
	default:
		r, g, b = c, 0, x
	}

	m := v - c
	return clampByte((r+m)*255)<<16 | clampByte((g+m)*255)<<8 | clampByte((b+m)*255)
}

// clampByte rounds v and clamps it to 0-255.
func clampByte(v float64) int {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 255:
		return 255
	default:
		return int(math.Round(v))
	}
}
