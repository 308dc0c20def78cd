package mihome

import "strings"

// hundredths converts the sensor's fixed-point readings (2150 = 21.50).
const hundredths = 100

// reportField maps a numeric payload key onto a decimal channel.
type reportField struct {
	key     string
	channel string
}

var (
	climateFields = []reportField{
		{key: "temperature", channel: ChannelTemperature},
		{key: "humidity", channel: ChannelHumidity},
	}
	meterFields = []reportField{
		{key: "load_power", channel: ChannelLoadPower},
		{key: "power_consumed", channel: ChannelPowerConsumed},
	}
)

// temperatureHumidityBehavior handles the sensor_ht climate sensor.
type temperatureHumidityBehavior struct{ readOnly }

func (temperatureHumidityBehavior) ParseReport(data Payload) (Effects, error) {
	var fx Effects
	for _, f := range climateFields {
		v, ok, err := data.Float(f.key)
		if err != nil {
			return Effects{}, err
		}
		if ok {
			fx.update(f.channel, DecimalType(v/hundredths))
		}
	}
	return fx, nil
}

// motionBehavior handles the PIR motion sensor.
type motionBehavior struct{ readOnly }

func (motionBehavior) ParseReport(data Payload) (Effects, error) {
	var fx Effects

	status, ok, err := data.Text("status")
	if err != nil {
		return Effects{}, err
	}
	if ok && status == "motion" {
		fx.update(ChannelMotion, On)
	}

	// no_motion carries the seconds since the last motion event.
	if data.Has("no_motion") {
		fx.update(ChannelMotion, Off)
	}
	return fx, nil
}

// switchBehavior handles the wireless push button.
type switchBehavior struct{ readOnly }

func (switchBehavior) ParseReport(data Payload) (Effects, error) {
	var fx Effects

	status, ok, err := data.Text("status")
	if err != nil {
		return Effects{}, err
	}
	if ok && status != "" {
		fx.trigger(ChannelButton, strings.ToUpper(status))
	}
	return fx, nil
}

// magnetBehavior handles the door/window contact.
type magnetBehavior struct{ readOnly }

func (magnetBehavior) ParseReport(data Payload) (Effects, error) {
	var fx Effects

	status, ok, err := data.Text("status")
	if err != nil {
		return Effects{}, err
	}
	if ok {
		switch status {
		case "open":
			fx.update(ChannelIsOpen, Open)
		case "close":
			fx.update(ChannelIsOpen, Closed)
		}
	}

	// no_close is sent while the contact stays open past its alarm period.
	if data.Has("no_close") {
		fx.update(ChannelIsOpen, Open)
		fx.trigger(ChannelOpenAlarm, "ALARM")
	}
	return fx, nil
}

// plugBehavior handles the smart plug, the only actuating peripheral.
type plugBehavior struct{}

func (plugBehavior) Execute(channel string, cmd State, _ StateReader) (Effects, error) {
	var fx Effects

	switch channel {
	case ChannelPower:
		c, ok := cmd.(OnOffType)
		if !ok {
			return Effects{}, unsupported(channel, cmd)
		}
		status := "off"
		if c == On {
			status = "on"
		}
		fx.write(TargetDevice, []string{"status"}, []any{status})
	default:
		return Effects{}, unsupported(channel, cmd)
	}
	return fx, nil
}

func (plugBehavior) ParseReport(data Payload) (Effects, error) {
	var fx Effects

	status, ok, err := data.Text("status")
	if err != nil {
		return Effects{}, err
	}
	if ok {
		switch status {
		case "on":
			fx.update(ChannelPower, On)
		case "off":
			fx.update(ChannelPower, Off)
		}
	}

	inUse, ok, err := data.Text("inuse")
	if err != nil {
		return Effects{}, err
	}
	if ok {
		fx.update(ChannelInUse, OnOffType(inUse == "1"))
	}

	for _, f := range meterFields {
		v, ok, err := data.Float(f.key)
		if err != nil {
			return Effects{}, err
		}
		if ok {
			fx.update(f.channel, DecimalType(v))
		}
	}
	return fx, nil
}

// cubeBehavior handles the magic cube controller.
type cubeBehavior struct{ readOnly }

func (cubeBehavior) ParseReport(data Payload) (Effects, error) {
	var fx Effects

	status, ok, err := data.Text("status")
	if err != nil {
		return Effects{}, err
	}
	if ok && status != "" {
		fx.trigger(ChannelAction, strings.ToUpper(status))
	}

	angle, ok, err := data.Float("rotate")
	if err != nil {
		return Effects{}, err
	}
	if ok {
		fx.update(ChannelRotation, DecimalType(angle))
		fx.trigger(ChannelAction, "ROTATE")
	}
	return fx, nil
}
