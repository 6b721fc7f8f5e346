package schemas

import (
	"encoding/json"
	"time"
)

// -- Low-Level Input Schemas --

// MouseEventType defines the type of a mouse event.
type MouseEventType string

const (
	MouseMove    MouseEventType = "mouseMoved"
	MousePress   MouseEventType = "mousePressed"
	MouseRelease MouseEventType = "mouseReleased"
	MouseWheel   MouseEventType = "mouseWheel"
)

// MouseButton defines the mouse button being pressed.
type MouseButton string

const (
	ButtonNone   MouseButton = "none"
	ButtonLeft   MouseButton = "left"
	ButtonRight  MouseButton = "right"
	ButtonMiddle MouseButton = "middle"
)

// MouseEventData encapsulates all data for a mouse event.
type MouseEventData struct {
	Type       MouseEventType `json:"type"`
	X          float64        `json:"x"`
	Y          float64        `json:"y"`
	Button     MouseButton    `json:"button"`
	ClickCount int            `json:"clickCount"`
	DeltaX     float64        `json:"deltaX"`
	DeltaY     float64        `json:"deltaY"`
	Timestamp  time.Time      `json:"timestamp"`
}

// KeyEventType defines the type of a key event.
type KeyEventType string

const (
	KeyRawDown KeyEventType = "rawKeyDown"
	KeyChar    KeyEventType = "char"
	KeyUp      KeyEventType = "keyUp"
)

// KeyEventData is one hardware key event. Code is the platform virtual key code.
type KeyEventData struct {
	Type      KeyEventType `json:"type"`
	Code      int64        `json:"virtualKeyCode"`
	Text      string       `json:"text"`
	Timestamp time.Time    `json:"timestamp"`
}

// -- Geometry --

// Rect is an element bounding box in client (viewport) coordinates.
type Rect struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Right returns the x coordinate of the right edge.
func (r Rect) Right() float64 { return r.Left + r.Width }

// Bottom returns the y coordinate of the bottom edge.
func (r Rect) Bottom() float64 { return r.Top + r.Height }

// -- Driver Requests --

// Tab is zero on requests coming from a content context: the relay's origin tab is used.
// Popup requests must name the tab they act on.

// ClickRequest asks the background to click at a viewport point.
type ClickRequest struct {
	X   float64 `json:"x"`
	Y   float64 `json:"y"`
	Tab int64   `json:"tab,omitempty"`
}

// ScrollRequest asks the background to wheel-scroll at a viewport point.
type ScrollRequest struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	DeltaY float64 `json:"deltaY"`
	Tab    int64   `json:"tab,omitempty"`
}

// PressRequest asks the background to press a single named key.
type PressRequest struct {
	Key string `json:"key"`
	Tab int64  `json:"tab,omitempty"`
}

// TypeRequest asks the background to type a run of text.
type TypeRequest struct {
	Text string `json:"text"`
	Tab  int64  `json:"tab,omitempty"`
}

// -- Tabs --

// TabInfo describes a tab under extension control.
type TabInfo struct {
	ID       int64  `json:"id"`
	TargetID string `json:"targetId"`
	URL      string `json:"url,omitempty"`
	Title    string `json:"title,omitempty"`
}

// TabsState is the popup's view of the registered tabs.
type TabsState struct {
	Tabs []TabInfo `json:"tabs"`
}

// HandleNotice tells content contexts that another tab came under control.
type HandleNotice struct {
	Tab int64 `json:"tab"`
}

// -- Settings --

// StoreRequest persists a single setting.
type StoreRequest struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// RestoreRequest loads a set of settings.
type RestoreRequest struct {
	Keys []string `json:"keys"`
}
