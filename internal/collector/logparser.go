package collector

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ernie/deadside-tracker/internal/domain"
)

// eventLogTimeLayout matches the bracketed prefix, e.g. [2025.05.15-12.00.00:123]
const eventLogTimeLayout = "2006.01.02-15.04.05.000"

var (
	// Line prefix: [timestamp][frame]
	eventTimestampRegex = regexp.MustCompile(`^\[(\d{4}\.\d{2}\.\d{2}-\d{2}\.\d{2}\.\d{2}):(\d{3})\]\[\s*\d+\]`)

	// Rotation markers
	rotationMarkerRegex = regexp.MustCompile(`(?i)log file open|server initialization started`)

	// Event patterns
	playerQueueRegex = regexp.MustCompile(`LogNet: Join request: \S*?\?Name=([^?]+)\S*?eosid=\|?([0-9a-fA-F]+)`)
	playerJoinRegex  = regexp.MustCompile(`LogOnline: Warning: Player \|([0-9a-fA-F]+) successfully registered!`)
	playerLeaveRegex = regexp.MustCompile(`UChannel::Close: Sending CloseBunch.*UniqueId: EOS:\|([0-9a-fA-F]+)`)
	missionRegex     = regexp.MustCompile(`LogSFPS: Mission (\S+) switched to (\S+)`)
	missionLevel     = regexp.MustCompile(`(?i)_mis(\d+)$`)
	airdropRegex     = regexp.MustCompile(`LogSFPS: AirDrop switched to (\S+)`)
	vehicleRegex     = regexp.MustCompile(`LogSFPS: \[ASFPSGameMode::NewVehicle_(\w+)\]`)
)

// IsRotationMarker reports whether a line starts a new log incarnation.
func IsRotationMarker(line string) bool {
	return rotationMarkerRegex.MatchString(line)
}

// ParseEventLine parses one event-log line. Lines that match no known event
// return an error; the tailer counts them and moves on.
func ParseEventLine(line string) (*domain.GameEvent, error) {
	line = strings.TrimRight(line, "\r\n")
	event := &domain.GameEvent{}
	content := line

	if match := eventTimestampRegex.FindStringSubmatch(line); match != nil {
		ts, err := time.ParseInLocation(eventLogTimeLayout, match[1]+"."+match[2], time.UTC)
		if err == nil {
			event.Timestamp = ts
		}
		content = line[len(match[0]):]
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if match := playerQueueRegex.FindStringSubmatch(content); match != nil {
		event.Type = domain.GameEventPlayerQueue
		event.Data = domain.PlayerPresenceData{PlayerName: strings.TrimSpace(match[1]), PlayerID: strings.ToLower(match[2])}
		return event, nil
	}

	if match := playerJoinRegex.FindStringSubmatch(content); match != nil {
		event.Type = domain.GameEventPlayerJoin
		event.Data = domain.PlayerPresenceData{PlayerID: strings.ToLower(match[1])}
		return event, nil
	}

	if match := playerLeaveRegex.FindStringSubmatch(content); match != nil {
		event.Type = domain.GameEventPlayerLeave
		event.Data = domain.PlayerPresenceData{PlayerID: strings.ToLower(match[1])}
		return event, nil
	}

	if match := missionRegex.FindStringSubmatch(content); match != nil {
		data := domain.MissionData{Mission: match[1], State: strings.ToUpper(match[2])}
		if lvl := missionLevel.FindStringSubmatch(match[1]); lvl != nil {
			data.Level, _ = strconv.Atoi(lvl[1])
		}
		event.Type = domain.GameEventMission
		event.Data = data
		return event, nil
	}

	if match := airdropRegex.FindStringSubmatch(content); match != nil {
		event.Type = domain.GameEventAirdrop
		event.Data = domain.WorldEventData{Name: "AirDrop", State: match[1]}
		return event, nil
	}

	if match := vehicleRegex.FindStringSubmatch(content); match != nil {
		name := match[1]
		switch lower := strings.ToLower(name); {
		case strings.Contains(lower, "helicrash"):
			event.Type = domain.GameEventHelicrash
		case strings.Contains(lower, "trader"):
			event.Type = domain.GameEventTrader
		default:
			event.Type = domain.GameEventVehicle
		}
		event.Data = domain.WorldEventData{Name: name}
		return event, nil
	}

	return nil, fmt.Errorf("unknown event: %s", truncate(content, 80))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
