package registry

// PowerTelemetry is the device power snapshot an agent reports on
// heartbeat. Fields the platform cannot measure stay at their zero
// value; HasBattery false means "no battery info".
type PowerTelemetry struct {
	CPUUsagePct     float64 `json:"cpu_usage_pct"`
	ThermalState    string  `json:"thermal_state,omitempty"` // nominal, fair, serious, critical
	HasBattery      bool    `json:"has_battery"`
	OnACPower       bool    `json:"on_ac_power"`
	BatteryPct      float64 `json:"battery_pct"`
	LowPowerMode    bool    `json:"low_power_mode"`
	OnExternalPower bool    `json:"on_external_power"`
	IsDesktop       bool    `json:"is_desktop"`
}

// PowerDecision is the stateless admission verdict for one agent at one
// moment.
type PowerDecision struct {
	AllowCoordinatorTasks bool   `json:"allow_coordinator_tasks"`
	AllowPeerDirectWork   bool   `json:"allow_peer_direct_work"`
	AllowSmallTasksOnly   bool   `json:"allow_small_tasks_only,omitempty"`
	DeferMs               int64  `json:"defer_ms,omitempty"`
	Reason                string `json:"reason"`
}

// PowerPolicyConfig carries the tunable thresholds of the iOS ladder.
type PowerPolicyConfig struct {
	IOSBatteryStopLevelPct   float64
	BatteryPullMinIntervalMs int64
}

// DefaultPowerPolicyConfig matches the protocol defaults.
func DefaultPowerPolicyConfig() PowerPolicyConfig {
	return PowerPolicyConfig{
		IOSBatteryStopLevelPct:   20,
		BatteryPullMinIntervalMs: 45_000,
	}
}

// EvaluatePower applies the power-policy rule ladder top-down; the
// first matching rule wins. It is stateless: everything it needs comes
// in as arguments.
func EvaluatePower(caps Capabilities, tel PowerTelemetry, lastTaskAssignedAtMs, nowMs int64, cfg PowerPolicyConfig) PowerDecision {
	// Server devices run unconstrained.
	if caps.Mode == "server" || caps.ClientType == "server" {
		return PowerDecision{AllowCoordinatorTasks: true, AllowPeerDirectWork: true, Reason: "server_unlimited"}
	}

	if tel.CPUUsagePct > 85 {
		return PowerDecision{DeferMs: 5_000, Reason: "cpu_overloaded"}
	}

	if tel.ThermalState == "serious" || tel.ThermalState == "critical" {
		return PowerDecision{Reason: "thermal_throttle"}
	}

	if caps.OS == "ios" {
		return evaluateIOS(tel, lastTaskAssignedAtMs, nowMs, cfg)
	}

	// Desktop on AC, explicit AC, or no battery info at all: full power.
	if (tel.IsDesktop && tel.OnACPower) || tel.OnACPower || !tel.HasBattery {
		return PowerDecision{AllowCoordinatorTasks: true, AllowPeerDirectWork: true, Reason: "on_ac_or_no_battery"}
	}

	// Laptop on battery.
	switch {
	case tel.BatteryPct < 15:
		return PowerDecision{Reason: "battery_critical"}
	case tel.BatteryPct <= 40:
		return PowerDecision{AllowCoordinatorTasks: true, AllowSmallTasksOnly: true, Reason: "battery_low_small_tasks"}
	default:
		return PowerDecision{AllowCoordinatorTasks: true, Reason: "battery_ok_no_peer_direct"}
	}
}

func evaluateIOS(tel PowerTelemetry, lastTaskAssignedAtMs, nowMs int64, cfg PowerPolicyConfig) PowerDecision {
	if tel.LowPowerMode {
		return PowerDecision{Reason: "ios_low_power_mode"}
	}
	if tel.OnExternalPower {
		return PowerDecision{AllowCoordinatorTasks: true, AllowPeerDirectWork: true, Reason: "ios_external_power"}
	}
	if tel.BatteryPct <= cfg.IOSBatteryStopLevelPct {
		return PowerDecision{Reason: "ios_battery_stop_level"}
	}
	if lastTaskAssignedAtMs > 0 && nowMs-lastTaskAssignedAtMs < cfg.BatteryPullMinIntervalMs {
		return PowerDecision{Reason: "ios_pull_throttled"}
	}
	return PowerDecision{AllowCoordinatorTasks: true, Reason: "ios_battery_ok"}
}
