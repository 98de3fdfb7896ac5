// Package bot is the transport boundary: it maps incoming user events
// (messages, button presses) onto wizard operations and renders replies
// through a narrow Transport interface. It knows nothing about any
// concrete messenger protocol.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"poweron/internal/history"
	"poweron/internal/logging"
	"poweron/internal/poweron"
	"poweron/internal/render"
	"poweron/internal/wizard"
)

// EventKind distinguishes plain messages from button presses.
type EventKind int

const (
	KindMessage EventKind = iota
	KindCallback
)

// Event is one incoming user interaction.
type Event struct {
	UserID int64
	Kind   EventKind
	Text   string // message text
	Data   string // callback payload
}

// Choice is one inline button: a label the user sees and the callback
// payload it sends back.
type Choice struct {
	Label string
	Data  string
}

// Transport delivers replies to a user. Implementations must be safe for
// concurrent use.
type Transport interface {
	SendText(userID int64, text string, choices [][]Choice) error
	SendImage(userID int64, image []byte, caption string, choices [][]Choice) error
}

// Service is the wizard surface the router drives.
type Service interface {
	StartSearch(userID int64) error
	Back(userID int64) (poweron.Step, error)
	SubmitQuery(ctx context.Context, userID int64, query string) ([]poweron.Candidate, error)
	SelectCandidate(ctx context.Context, userID int64, index int) (wizard.Outcome, error)
	ShowAddress(ctx context.Context, userID int64, addr poweron.Address) (wizard.Outcome, error)
	LastAddress(userID int64) (poweron.Address, bool)
	Pin(userID int64, addr poweron.Address) error
	Unpin(userID int64, key string) error
	History(userID int64) ([]poweron.Address, error)
	Pins(userID int64) ([]poweron.Address, error)
	FirstContact(userID int64) bool
	Step(userID int64) poweron.Step
}

// Config controls the router.
type Config struct {
	// AllowedIDs restricts the bot to the listed users. Empty means open.
	AllowedIDs map[int64]bool
	// ExtraStatus supplies additional lines for the status reply.
	ExtraStatus func() []string
}

// Router dispatches events to the wizard and formats replies.
type Router struct {
	cfg       Config
	service   Service
	transport Transport

	clock    func() time.Time
	mu       sync.Mutex
	lastSeen map[int64]time.Time
}

// NewRouter builds a router over the given service and transport.
func NewRouter(cfg Config, service Service, transport Transport) *Router {
	return &Router{
		cfg:       cfg,
		service:   service,
		transport: transport,
		clock:     time.Now,
		lastSeen:  make(map[int64]time.Time),
	}
}

// throttled enforces a minimal gap between operations from one user. The
// timestamp only advances on accepted events, so a burst does not push the
// window forward.
func (r *Router) throttled(userID int64, min time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock()
	if now.Sub(r.lastSeen[userID]) < min {
		return true
	}
	r.lastSeen[userID] = now
	return false
}

func (r *Router) allowed(userID int64) bool {
	if len(r.cfg.AllowedIDs) == 0 {
		return true
	}
	return r.cfg.AllowedIDs[userID]
}

// Handle processes one event. Events from users outside the allow-list are
// dropped without a reply.
func (r *Router) Handle(ctx context.Context, ev Event) {
	if !r.allowed(ev.UserID) {
		logging.Audit("dropped event from user %d outside allow-list", ev.UserID)
		return
	}

	switch ev.Kind {
	case KindCallback:
		r.handleCallback(ctx, ev.UserID, ev.Data)
	default:
		r.handleMessage(ctx, ev.UserID, strings.TrimSpace(ev.Text))
	}
}

func (r *Router) handleMessage(ctx context.Context, userID int64, text string) {
	logging.Audit("user %d message %q", userID, truncate(text, 120))

	switch {
	case text == "/start" || strings.EqualFold(text, "start") || strings.EqualFold(text, "старт"):
		r.sendHome(userID, r.service.FirstContact(userID))
	case text == "/status":
		r.sendStatus(userID)
	case text == "":
		r.send(userID, "Введіть текстовий запит.", homeRow())
	default:
		r.handleQuery(ctx, userID, text)
	}
}

// handleQuery feeds free text into the current wizard step and offers the
// matches as buttons.
func (r *Router) handleQuery(ctx context.Context, userID int64, text string) {
	if r.throttled(userID, 800*time.Millisecond) {
		r.send(userID, "⏱ Забагато запитів. Спробуйте через секунду.", nil)
		return
	}

	candidates, err := r.service.SubmitQuery(ctx, userID, text)
	switch {
	case errors.Is(err, wizard.ErrSessionBusy):
		r.send(userID, msgBusy, nil)
		return
	case errors.Is(err, wizard.ErrNoCandidates):
		r.send(userID, "Нічого не знайдено. Спробуйте інший запит.", homeRow())
		return
	case errors.Is(err, poweron.ErrUnavailable):
		r.send(userID, msgUpstreamDown, homeRow())
		return
	case err != nil:
		logging.TransportWarn("user %d query failed: %v", userID, err)
		r.send(userID, "Сталася помилка. Спробуйте ще раз.", homeRow())
		return
	}

	rows := make([][]Choice, 0, len(candidates)+1)
	for i, c := range candidates {
		rows = append(rows, []Choice{{Label: c.Label, Data: "pick:" + strconv.Itoa(i)}})
	}
	rows = append(rows, navRow(r.service.Step(userID))...)
	r.send(userID, "Оберіть варіант:", rows)
}

func (r *Router) handleCallback(ctx context.Context, userID int64, data string) {
	logging.Audit("user %d callback %q", userID, data)

	if r.throttled(userID, 400*time.Millisecond) {
		return
	}

	switch {
	case data == "go:home":
		r.sendHome(userID, false)
	case data == "go:search":
		if err := r.service.StartSearch(userID); err != nil {
			r.sendOpError(userID, err)
			return
		}
		r.send(userID, stepPrompt(poweron.StepSettlement), nil)
	case data == "go:back":
		r.handleBack(userID)
	case data == "retry:last":
		r.handleRetry(ctx, userID)
	case data == "go:history":
		r.sendAddressList(userID, "🕓 Історія:", "h", r.service.History)
	case data == "go:pins":
		r.sendPinList(userID)
	case data == "go:status":
		r.sendStatus(userID)
	case strings.HasPrefix(data, "pick:"):
		r.handlePick(ctx, userID, strings.TrimPrefix(data, "pick:"))
	case strings.HasPrefix(data, "open:h:"):
		r.handleOpen(ctx, userID, strings.TrimPrefix(data, "open:h:"), r.service.History)
	case strings.HasPrefix(data, "open:p:"):
		r.handleOpen(ctx, userID, strings.TrimPrefix(data, "open:p:"), r.service.Pins)
	case strings.HasPrefix(data, "pin:h:"):
		r.handlePin(userID, strings.TrimPrefix(data, "pin:h:"))
	case strings.HasPrefix(data, "unpin:"):
		r.handleUnpin(userID, strings.TrimPrefix(data, "unpin:"))
	default:
		logging.TransportWarn("user %d unknown callback %q", userID, data)
	}
}

func (r *Router) handlePick(ctx context.Context, userID int64, raw string) {
	index, err := strconv.Atoi(raw)
	if err != nil {
		logging.TransportWarn("user %d bad pick payload %q", userID, raw)
		return
	}

	out, err := r.service.SelectCandidate(ctx, userID, index)
	switch {
	case errors.Is(err, wizard.ErrSessionBusy):
		r.send(userID, msgBusy, nil)
		return
	case errors.Is(err, wizard.ErrInvalidSelection):
		r.send(userID, "Цей список уже неактуальний. Почніть пошук заново.", searchRow())
		return
	case err != nil:
		r.sendOpError(userID, err)
		return
	}

	if !out.Done {
		r.send(userID, stepPrompt(out.Step), navRow(out.Step))
		return
	}
	r.sendOutcome(userID, out)
}

func (r *Router) handleBack(userID int64) {
	step, err := r.service.Back(userID)
	if errors.Is(err, wizard.ErrSessionBusy) {
		r.send(userID, msgBusy, nil)
		return
	}
	if err != nil {
		r.sendOpError(userID, err)
		return
	}
	r.send(userID, stepPrompt(step), navRow(step))
}

// handleRetry re-renders the most recent address without touching the
// resolution steps.
func (r *Router) handleRetry(ctx context.Context, userID int64) {
	addr, ok := r.service.LastAddress(userID)
	if !ok {
		r.send(userID, "Немає попередньої адреси для повтору.", searchRow())
		return
	}
	out, err := r.service.ShowAddress(ctx, userID, addr)
	if errors.Is(err, wizard.ErrSessionBusy) {
		r.send(userID, msgBusy, nil)
		return
	}
	if err != nil {
		r.sendOpError(userID, err)
		return
	}
	r.sendOutcome(userID, out)
}

func (r *Router) handleOpen(ctx context.Context, userID int64, raw string, list func(int64) ([]poweron.Address, error)) {
	addr, ok := r.addressAt(userID, raw, list)
	if !ok {
		return
	}
	out, err := r.service.ShowAddress(ctx, userID, addr)
	if errors.Is(err, wizard.ErrSessionBusy) {
		r.send(userID, msgBusy, nil)
		return
	}
	if err != nil {
		r.sendOpError(userID, err)
		return
	}
	r.sendOutcome(userID, out)
}

func (r *Router) handlePin(userID int64, raw string) {
	addr, ok := r.addressAt(userID, raw, r.service.History)
	if !ok {
		return
	}
	err := r.service.Pin(userID, addr)
	if errors.Is(err, history.ErrPinLimit) {
		r.send(userID, fmt.Sprintf("Можна закріпити не більше %d адрес.", history.MaxPins), homeRow())
		return
	}
	if err != nil {
		r.sendOpError(userID, err)
		return
	}
	r.send(userID, "📌 Адресу закріплено: "+addr.Caption(), homeRow())
}

func (r *Router) handleUnpin(userID int64, key string) {
	if err := r.service.Unpin(userID, key); err != nil {
		r.sendOpError(userID, err)
		return
	}
	r.sendPinList(userID)
}

// addressAt resolves a list index payload back to an address. Stale
// indexes, as after the list changed under an old keyboard, get a fresh
// menu instead of an error.
func (r *Router) addressAt(userID int64, raw string, list func(int64) ([]poweron.Address, error)) (poweron.Address, bool) {
	index, err := strconv.Atoi(raw)
	if err != nil {
		logging.TransportWarn("user %d bad index payload %q", userID, raw)
		return poweron.Address{}, false
	}
	addrs, err := list(userID)
	if err != nil {
		r.sendOpError(userID, err)
		return poweron.Address{}, false
	}
	if index < 0 || index >= len(addrs) {
		r.send(userID, "Цей список уже неактуальний.", homeRow())
		return poweron.Address{}, false
	}
	return addrs[index], true
}

// sendOutcome delivers a finished lookup: the screenshot when the capture
// worked, a text fallback with the queue values when it did not.
func (r *Router) sendOutcome(userID int64, out wizard.Outcome) {
	caption := "⚡️ " + out.Address.Caption()
	if out.RenderErr == nil {
		// The address sits at the front of history now, so the pin button
		// can address it by position.
		rows := [][]Choice{
			{{Label: "📌 Закріпити", Data: "pin:h:0"}},
			{{Label: "🔍 Новий пошук", Data: "go:search"}, {Label: "🏠 Меню", Data: "go:home"}},
		}
		if err := r.transport.SendImage(userID, out.Image, caption, rows); err != nil {
			logging.TransportWarn("user %d image not delivered: %v", userID, err)
		}
		return
	}

	rows := [][]Choice{
		{{Label: "🔁 Спробувати ще раз", Data: "retry:last"}},
		{{Label: "🔍 Новий пошук", Data: "go:search"}, {Label: "🏠 Меню", Data: "go:home"}},
	}

	var b strings.Builder
	b.WriteString("Не вдалося отримати зображення графіка.\n")
	b.WriteString(caption)
	q := out.Address.Building.Queues
	fmt.Fprintf(&b, "\nЧерга ГПВ: %s\nЧерга ГАВ: %s\nЧерга АЧР: %s", q.GPV, q.GAV, q.ACHR)
	if errors.Is(out.RenderErr, render.ErrTimeout) || errors.Is(out.RenderErr, render.ErrPageUnavailable) {
		b.WriteString("\nСайт графіків зараз недоступний, спробуйте пізніше.")
	}
	r.send(userID, b.String(), rows)
}

func (r *Router) sendHome(userID int64, first bool) {
	text := "Оберіть дію:"
	if first {
		text = "👋 Вітаю! Я допоможу знайти графік відключень за вашою адресою.\n\n" + text
	}
	rows := [][]Choice{
		{{Label: "🔍 Пошук адреси", Data: "go:search"}},
		{{Label: "🕓 Історія", Data: "go:history"}, {Label: "📌 Закріплені", Data: "go:pins"}},
	}
	r.send(userID, text, rows)
}

func (r *Router) sendStatus(userID int64) {
	lines := []string{
		"ℹ️ Стан сервісу",
		"Крок пошуку: " + stepName(r.service.Step(userID)),
	}
	if hist, err := r.service.History(userID); err == nil {
		lines = append(lines, fmt.Sprintf("Адрес в історії: %d", len(hist)))
	}
	if pins, err := r.service.Pins(userID); err == nil {
		lines = append(lines, fmt.Sprintf("Закріплених адрес: %d", len(pins)))
	}
	if r.cfg.ExtraStatus != nil {
		lines = append(lines, r.cfg.ExtraStatus()...)
	}
	r.send(userID, strings.Join(lines, "\n"), homeRow())
}

func (r *Router) sendAddressList(userID int64, title, tag string, list func(int64) ([]poweron.Address, error)) {
	addrs, err := list(userID)
	if err != nil {
		r.sendOpError(userID, err)
		return
	}
	if len(addrs) == 0 {
		r.send(userID, "Поки що порожньо. Спершу знайдіть адресу.", searchRow())
		return
	}

	rows := make([][]Choice, 0, len(addrs)+1)
	for i, a := range addrs {
		rows = append(rows, []Choice{
			{Label: a.Caption(), Data: fmt.Sprintf("open:%s:%d", tag, i)},
			{Label: "📌", Data: fmt.Sprintf("pin:%s:%d", tag, i)},
		})
	}
	rows = append(rows, homeRow()...)
	r.send(userID, title, rows)
}

func (r *Router) sendPinList(userID int64) {
	addrs, err := r.service.Pins(userID)
	if err != nil {
		r.sendOpError(userID, err)
		return
	}
	if len(addrs) == 0 {
		r.send(userID, "Немає закріплених адрес.", searchRow())
		return
	}

	rows := make([][]Choice, 0, len(addrs)+1)
	for i, a := range addrs {
		rows = append(rows, []Choice{
			{Label: a.Caption(), Data: fmt.Sprintf("open:p:%d", i)},
			{Label: "❌", Data: "unpin:" + a.Key()},
		})
	}
	rows = append(rows, homeRow()...)
	r.send(userID, "📌 Закріплені адреси:", rows)
}

func (r *Router) sendOpError(userID int64, err error) {
	logging.TransportWarn("user %d operation failed: %v", userID, err)
	if errors.Is(err, poweron.ErrUnavailable) {
		r.send(userID, msgUpstreamDown, homeRow())
		return
	}
	r.send(userID, "Сталася помилка. Спробуйте ще раз.", homeRow())
}

func (r *Router) send(userID int64, text string, choices [][]Choice) {
	if err := r.transport.SendText(userID, text, choices); err != nil {
		logging.TransportWarn("user %d reply not delivered: %v", userID, err)
	}
}

const (
	msgBusy         = "⏳ Зачекайте, попередній запит ще обробляється."
	msgUpstreamDown = "Сервіс адрес тимчасово недоступний. Спробуйте пізніше."
)

func stepPrompt(step poweron.Step) string {
	switch step {
	case poweron.StepStreet:
		return "Крок 2/3. Введіть назву вулиці:"
	case poweron.StepBuilding:
		return "Крок 3/3. Введіть номер будинку:"
	default:
		return "Крок 1/3. Введіть назву населеного пункту:"
	}
}

func stepName(step poweron.Step) string {
	switch step {
	case poweron.StepSettlement:
		return "населений пункт"
	case poweron.StepStreet:
		return "вулиця"
	case poweron.StepBuilding:
		return "будинок"
	default:
		return "завершено"
	}
}

func homeRow() [][]Choice {
	return [][]Choice{{{Label: "🏠 Меню", Data: "go:home"}}}
}

func searchRow() [][]Choice {
	return [][]Choice{{{Label: "🔍 Пошук адреси", Data: "go:search"}}}
}

// navRow is the keyboard under step prompts. The first step has nowhere to
// go back to.
func navRow(step poweron.Step) [][]Choice {
	if step == poweron.StepSettlement {
		return homeRow()
	}
	return [][]Choice{{{Label: "⬅️ Назад", Data: "go:back"}, {Label: "🏠 Меню", Data: "go:home"}}}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
