package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"poweron/internal/bot"
)

const testToken = "123:abc"

// writeResult answers one Bot API call with an ok envelope.
func writeResult(w http.ResponseWriter, result string) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"ok":true,"result":%s}`, result)
}

// newTestClient stands up a fake Bot API server and a client pointed at
// it. The handler sees every method except getMe, which is answered here
// so the client's startup handshake succeeds.
func newTestClient(t *testing.T, handler func(method string, w http.ResponseWriter, r *http.Request)) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method := strings.TrimPrefix(r.URL.Path, "/bot"+testToken+"/")
		if method == r.URL.Path {
			t.Errorf("request outside token path: %s", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		if method == "getMe" {
			writeResult(w, `{"id":1,"is_bot":true,"first_name":"poweron","username":"poweron_bot"}`)
			return
		}
		handler(method, w, r)
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient(testToken, WithEndpoint(srv.URL+"/bot%s/%s"))
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestSendTextDeliversKeyboard(t *testing.T) {
	var gotChat, gotText, gotMarkup string
	c := newTestClient(t, func(method string, w http.ResponseWriter, r *http.Request) {
		if method != "sendMessage" {
			t.Errorf("unexpected method %s", method)
		}
		gotChat = r.PostFormValue("chat_id")
		gotText = r.PostFormValue("text")
		gotMarkup = r.PostFormValue("reply_markup")
		writeResult(w, `{"message_id":1,"chat":{"id":42}}`)
	})

	choices := [][]bot.Choice{{{Label: "Київ", Data: "pick:0"}}}
	if err := c.SendText(42, "Оберіть варіант:", choices); err != nil {
		t.Fatal(err)
	}

	if gotChat != "42" || gotText != "Оберіть варіант:" {
		t.Fatalf("chat=%q text=%q", gotChat, gotText)
	}
	var markup struct {
		InlineKeyboard [][]struct {
			Text         string `json:"text"`
			CallbackData string `json:"callback_data"`
		} `json:"inline_keyboard"`
	}
	if err := json.Unmarshal([]byte(gotMarkup), &markup); err != nil {
		t.Fatalf("reply_markup %q: %v", gotMarkup, err)
	}
	btn := markup.InlineKeyboard[0][0]
	if btn.Text != "Київ" || btn.CallbackData != "pick:0" {
		t.Fatalf("button = %+v", btn)
	}
}

func TestSendTextWithoutChoicesOmitsKeyboard(t *testing.T) {
	var sawMarkup bool
	c := newTestClient(t, func(method string, w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		_, sawMarkup = r.PostForm["reply_markup"]
		writeResult(w, `{"message_id":1,"chat":{"id":42}}`)
	})

	if err := c.SendText(42, "Привіт", nil); err != nil {
		t.Fatal(err)
	}
	if sawMarkup {
		t.Fatal("reply_markup sent for an empty keyboard")
	}
}

func TestSendImageUploadsPhoto(t *testing.T) {
	var gotChat, gotCaption string
	var gotPhoto []byte
	c := newTestClient(t, func(method string, w http.ResponseWriter, r *http.Request) {
		if method != "sendPhoto" {
			t.Errorf("unexpected method %s", method)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("not multipart: %v", err)
		}
		gotChat = r.FormValue("chat_id")
		gotCaption = r.FormValue("caption")
		file, header, err := r.FormFile("photo")
		if err != nil {
			t.Fatalf("photo part: %v", err)
		}
		defer file.Close()
		if header.Filename != "schedule.png" {
			t.Errorf("filename = %q", header.Filename)
		}
		gotPhoto, _ = io.ReadAll(file)
		writeResult(w, `{"message_id":2,"chat":{"id":42}}`)
	})

	err := c.SendImage(42, []byte("png-bytes"), "⚡️ Київ, Хрещатик, 12", nil)
	if err != nil {
		t.Fatal(err)
	}
	if gotChat != "42" || gotCaption != "⚡️ Київ, Хрещатик, 12" {
		t.Fatalf("chat=%q caption=%q", gotChat, gotCaption)
	}
	if string(gotPhoto) != "png-bytes" {
		t.Fatalf("photo = %q", gotPhoto)
	}
}

func TestSendErrorSurfacesDescription(t *testing.T) {
	c := newTestClient(t, func(method string, w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`)
	})

	err := c.SendText(42, "Привіт", nil)
	if err == nil || !strings.Contains(err.Error(), "blocked by the user") {
		t.Fatalf("err = %v", err)
	}
}

func TestPollDispatchesAndAcks(t *testing.T) {
	var mu sync.Mutex
	var offsets []string
	var acked []string
	served := false

	c := newTestClient(t, func(method string, w http.ResponseWriter, r *http.Request) {
		switch method {
		case "getUpdates":
			mu.Lock()
			offsets = append(offsets, r.PostFormValue("offset"))
			first := !served
			served = true
			mu.Unlock()
			if first {
				writeResult(w, `[
					{"update_id":11,"message":{"message_id":1,"from":{"id":7},"chat":{"id":7},"text":"Київ"}},
					{"update_id":12,"callback_query":{"id":"cb1","from":{"id":7},"data":"pick:0"}}
				]`)
				return
			}
			// Hold empty polls briefly so the loop does not spin.
			time.Sleep(20 * time.Millisecond)
			writeResult(w, `[]`)
		case "answerCallbackQuery":
			mu.Lock()
			acked = append(acked, r.PostFormValue("callback_query_id"))
			mu.Unlock()
			writeResult(w, `true`)
		default:
			t.Errorf("unexpected method %s", method)
		}
	})

	events := make(chan bot.Event, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Poll(ctx, func(ev bot.Event) { events <- ev }) }()

	got := make(map[bot.EventKind]bot.Event)
	for i := 0; i < 2; i++ {
		select {
		case ev := <-events:
			got[ev.Kind] = ev
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Poll returned %v", err)
	}

	msg := got[bot.KindMessage]
	if msg.UserID != 7 || msg.Text != "Київ" {
		t.Fatalf("message event = %+v", msg)
	}
	cb := got[bot.KindCallback]
	if cb.UserID != 7 || cb.Data != "pick:0" {
		t.Fatalf("callback event = %+v", cb)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(acked) != 1 || acked[0] != "cb1" {
		t.Fatalf("acked = %v", acked)
	}
	// The first poll carries no offset yet; after update 12 the stream
	// resumes past it.
	if len(offsets) < 2 || offsets[0] != "" || offsets[1] != "13" {
		t.Fatalf("offsets = %v", offsets)
	}
}

func TestEventForSkipsUnknownUpdates(t *testing.T) {
	if _, _, ok := eventFor(tgbotapi.Update{}); ok {
		t.Fatal("empty update produced an event")
	}
}
