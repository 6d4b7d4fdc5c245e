package timeseries

type EventKind int

const (
	SourcesAdded EventKind = iota
	SourcesRemoved
	DatesAdded
	DatesRemoved
	SensorAdded
	SensorRemoved
	SensorNameChanged
	VisibilityChanged
	VisibleDatesChanged
)

var eventNames = [...]string{
	"sourcesAdded", "sourcesRemoved", "datesAdded", "datesRemoved", "sensorAdded",
	"sensorRemoved", "sensorNameChanged", "visibilityChanged", "visibleDatesChanged",
}

func (k EventKind) String() string {
	if k < 0 || int(k) >= len(eventNames) {
		return "unknown"
	}
	return eventNames[k]
}

// Event is delivered synchronously to listeners after the catalogue lock
// has been released. Only the fields relevant to Kind are set.
type Event struct {
	Kind    EventKind
	Sources []*Source
	Dates   []TimeSeriesDate
	Sensors []SensorID
}

type Listener func(Event)

type eventQueue []Event

func (q *eventQueue) push(kind EventKind, sources []*Source, dates []TimeSeriesDate, sensors []SensorID) {
	if len(sources) == 0 && len(dates) == 0 && len(sensors) == 0 && kind != VisibilityChanged && kind != VisibleDatesChanged {
		return
	}
	*q = append(*q, Event{Kind: kind, Sources: sources, Dates: dates, Sensors: sensors})
}
