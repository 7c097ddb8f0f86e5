package callstate

import (
	"sync"
	"time"
)

// NumLines размер статического пула линий.
const NumLines = 3

// LineState упрощённое отображаемое состояние линии, выводимое из
// состояния привязанной сессии.
type LineState string

const (
	LineIdle    LineState = "idle"
	LineDialing LineState = "dialing"
	LineRinging LineState = "ringing"
	LineActive  LineState = "active"
	LineHold    LineState = "hold"
)

// CallerInfo кэш информации о вызове для отображения на линии.
// Заполняется при привязке сессии и дополняется при обновлениях;
// пустые поля обновления кэш не затирают.
type CallerInfo struct {
	Number    string
	Name      string
	Direction Direction
}

// Line одна из линий пула. Линии не создаются и не уничтожаются во
// время работы - меняются только привязка и производное состояние.
type Line struct {
	Number    int
	SessionID string
	State     LineState
	Caller    CallerInfo
	StartTime time.Time
}

// LinePool статический пул из NumLines линий плюс указатель
// "выбранной" линии для набора номера.
type LinePool struct {
	mu       sync.RWMutex
	lines    [NumLines]Line
	selected int // номер выбранной линии, 1..NumLines
}

// NewLinePool создает пул с выбранной линией 1.
func NewLinePool() *LinePool {
	p := &LinePool{selected: 1}
	for i := range p.lines {
		p.lines[i] = Line{Number: i + 1, State: LineIdle}
	}
	return p
}

// Allocate возвращает номер первой свободной линии (first-fit).
// При отсутствии свободных линий возвращает ErrNoFreeLine: команда
// набора отклоняется, а не ставится в очередь.
func (p *LinePool) Allocate() (int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for i := range p.lines {
		if p.lines[i].SessionID == "" {
			return p.lines[i].Number, nil
		}
	}
	capacityErrors.Inc()
	return 0, ErrNoFreeLine
}

// Select переключает выбранную линию. Меняется только указатель -
// сессии не перемещаются и не завершаются.
func (p *LinePool) Select(n int) error {
	if n < 1 || n > NumLines {
		return ErrInvalidLine
	}
	p.mu.Lock()
	p.selected = n
	p.mu.Unlock()
	return nil
}

// Selected номер текущей выбранной линии.
func (p *LinePool) Selected() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.selected
}

// Get копия линии по номеру.
func (p *LinePool) Get(n int) (Line, bool) {
	if n < 1 || n > NumLines {
		return Line{}, false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lines[n-1], true
}

// Snapshot копия всех линий для чтения слоем представления.
func (p *LinePool) Snapshot() []Line {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Line, NumLines)
	copy(out, p.lines[:])
	return out
}

// bind привязывает сессию к линии. Возвращает ErrLineBusy, если линия
// уже занята другой сессией - привязка при этом не меняется.
func (p *LinePool) bind(n int, s *Session) error {
	if n < 1 || n > NumLines {
		return ErrInvalidLine
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	ln := &p.lines[n-1]
	if ln.SessionID != "" && ln.SessionID != s.ID {
		return ErrLineBusy
	}
	ln.SessionID = s.ID
	ln.StartTime = s.StartTime
	ln.Caller = CallerInfo{Number: s.Target, Name: s.RemoteName, Direction: s.Direction}
	ln.State = displayStateFor(s)
	linesBusy.Set(float64(p.busyLocked()))
	return nil
}

// refresh перевычисляет производное состояние линии после мутации
// сессии. Однонаправленный шаг деривации: кэш на линии обновляется
// только отсюда и только непустыми полями сессии.
func (p *LinePool) refresh(s *Session) {
	if s.Line < 1 || s.Line > NumLines {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	ln := &p.lines[s.Line-1]
	if ln.SessionID != s.ID {
		return
	}
	if s.Target != "" {
		ln.Caller.Number = s.Target
	}
	if s.RemoteName != "" {
		ln.Caller.Name = s.RemoteName
	}
	ln.State = displayStateFor(s)
}

// release сбрасывает линию в idle без остатков информации о вызове.
// Безусловно: освобождение линии не может быть пропущено из-за сбоя
// другой очистки.
func (p *LinePool) release(n int) {
	if n < 1 || n > NumLines {
		return
	}
	p.mu.Lock()
	p.lines[n-1] = Line{Number: n, State: LineIdle}
	linesBusy.Set(float64(p.busyLocked()))
	p.mu.Unlock()
}

func (p *LinePool) busyLocked() int {
	busy := 0
	for i := range p.lines {
		if p.lines[i].SessionID != "" {
			busy++
		}
	}
	return busy
}

// displayStateFor отображение состояния сессии в состояние линии:
// ringing -> ringing, established -> active либо hold, terminated -> idle,
// всё остальное -> dialing.
func displayStateFor(s *Session) LineState {
	if s == nil {
		return LineIdle
	}
	switch s.State {
	case StateRinging:
		return LineRinging
	case StateEstablished:
		if s.OnHold {
			return LineHold
		}
		return LineActive
	case StateTerminated:
		return LineIdle
	default:
		return LineDialing
	}
}
