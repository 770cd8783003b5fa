package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	SensorDriverPeriph = "periph"
	SensorDriverTinyGo = "tinygo"
)

// Name limits follow from the 31-byte advertising payload and scan response.
const (
	maxShortName = 20
	maxFullName  = 29
)

type Config struct {
	AppEnv   string
	LogLevel slog.Level

	BLEAdapter          string
	AdvertisingInterval time.Duration
	DeviceName          string
	DeviceShortName     string

	SampleInterval  time.Duration
	SensorBootDelay time.Duration
	SensorDriver    string
	I2CBus          string
	BME280Address   uint16
	// ENS160Address is zero when the air-quality sensor is disabled.
	ENS160Address  uint16
	ActivityLEDPin string
	BatterySupply  string

	// MQTTBroker empty disables the uplink.
	MQTTBroker      string
	MQTTPort        int
	MQTTClientID    string
	DeviceStationID string

	// DiagHTTPAddr empty disables the diagnostics server.
	DiagHTTPAddr string
}

// LoadFromEnv reads the configuration from the environment. If CONFIG_FILE
// names a YAML file its keys (lower-case variable names) act as defaults
// that the environment overrides.
func LoadFromEnv() (Config, error) {
	src := source{}
	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		file, err := readFile(path)
		if err != nil {
			return Config{}, err
		}
		src.file = file
	}

	appEnv := src.get("APP_ENV", "dev")
	switch appEnv {
	case "dev", "prod":
	default:
		return Config{}, fmt.Errorf("invalid APP_ENV %q (allowed: dev, prod)", appEnv)
	}

	level, err := parseLogLevel(src.get("LOG_LEVEL", "info"))
	if err != nil {
		return Config{}, err
	}

	advInterval, err := parseInterval(src, "ADV_INTERVAL", "100ms")
	if err != nil {
		return Config{}, err
	}

	deviceName := src.get("DEVICE_NAME", "cloudpico-enviro")
	if len(deviceName) > maxFullName {
		return Config{}, fmt.Errorf("DEVICE_NAME %q longer than %d bytes", deviceName, maxFullName)
	}
	shortName := src.get("DEVICE_SHORT_NAME", "enviro")
	if len(shortName) > maxShortName {
		return Config{}, fmt.Errorf("DEVICE_SHORT_NAME %q longer than %d bytes", shortName, maxShortName)
	}

	sampleInterval, err := parseInterval(src, "SAMPLE_INTERVAL", "1s")
	if err != nil {
		return Config{}, err
	}

	bootDelayStr := src.get("SENSOR_BOOT_DELAY", "100ms")
	bootDelay, err := time.ParseDuration(bootDelayStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid SENSOR_BOOT_DELAY %q: %w", bootDelayStr, err)
	}
	if bootDelay < 0 {
		return Config{}, fmt.Errorf("SENSOR_BOOT_DELAY must not be negative, got %v", bootDelay)
	}

	driver := strings.ToLower(src.get("SENSOR_DRIVER", SensorDriverPeriph))
	switch driver {
	case SensorDriverPeriph, SensorDriverTinyGo:
	default:
		return Config{}, fmt.Errorf("invalid SENSOR_DRIVER %q (allowed: periph, tinygo)", driver)
	}

	bme280Address, err := parseI2CAddress("BME280_ADDRESS", src.get("BME280_ADDRESS", "0x76"))
	if err != nil {
		return Config{}, err
	}

	var ens160Address uint16
	if s := src.get("ENS160_ADDRESS", "0x53"); !strings.EqualFold(s, "off") {
		ens160Address, err = parseI2CAddress("ENS160_ADDRESS", s)
		if err != nil {
			return Config{}, err
		}
	}

	mqttPortStr := src.get("MQTT_PORT", "1883")
	mqttPort, err := strconv.Atoi(mqttPortStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid MQTT_PORT %q: %w", mqttPortStr, err)
	}
	if mqttPort <= 0 || mqttPort > 65535 {
		return Config{}, fmt.Errorf("MQTT_PORT out of range: %d", mqttPort)
	}

	return Config{
		AppEnv:              appEnv,
		LogLevel:            level,
		BLEAdapter:          src.get("BLE_ADAPTER", "hci0"),
		AdvertisingInterval: advInterval,
		DeviceName:          deviceName,
		DeviceShortName:     shortName,
		SampleInterval:      sampleInterval,
		SensorBootDelay:     bootDelay,
		SensorDriver:        driver,
		I2CBus:              src.get("I2C_BUS", ""),
		BME280Address:       bme280Address,
		ENS160Address:       ens160Address,
		ActivityLEDPin:      src.get("ACTIVITY_LED_PIN", ""),
		BatterySupply:       src.get("BATTERY_SUPPLY", ""),
		MQTTBroker:          src.get("MQTT_BROKER", ""),
		MQTTPort:            mqttPort,
		MQTTClientID:        src.get("MQTT_CLIENT_ID", "cloudpico-node"),
		DeviceStationID:     src.get("DEVICE_STATION_ID", "home"),
		DiagHTTPAddr:        src.get("DIAG_HTTP_ADDR", ""),
	}, nil
}

// UplinkEnabled reports whether readings are mirrored to MQTT.
func (c Config) UplinkEnabled() bool { return c.MQTTBroker != "" }

// source resolves a key from the environment first, then the config file.
type source struct {
	file map[string]string
}

func (s source) get(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	if v := strings.TrimSpace(s.file[strings.ToLower(key)]); v != "" {
		return v
	}
	return def
}

func readFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read CONFIG_FILE: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("parse CONFIG_FILE %s: %w", path, err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if v == nil {
			continue
		}
		out[strings.ToLower(k)] = fmt.Sprint(v)
	}
	return out, nil
}

func parseInterval(src source, key, def string) (time.Duration, error) {
	s := src.get(key, def)
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %v", key, d)
	}
	return d, nil
}

func parseI2CAddress(key, s string) (uint16, error) {
	addr, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	if addr == 0 || addr > 0x7F {
		return 0, fmt.Errorf("%s %q is not a 7-bit I2C address", key, s)
	}
	return uint16(addr), nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q (allowed: debug, info, warn, error)", s)
	}
}
