package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"

	"github.com/google/uuid"

	"github.com/confab-app/confab/internal/client"
	"github.com/confab-app/confab/internal/client/rtc"
)

type loginResponse struct {
	Token    string `json:"token"`
	Username string `json:"username"`
}

type startResponse struct {
	MeetingID string `json:"meetingId"`
	IsHost    bool   `json:"isHost"`
	Gated     bool   `json:"gated"`
}

func login() (string, error) {
	if flagUsername == "" {
		return "", fmt.Errorf("--username is required")
	}
	if flagPassword == "" {
		return "", fmt.Errorf("--password is required")
	}
	body, _ := json.Marshal(map[string]string{
		"username": flagUsername,
		"password": flagPassword,
	})
	resp, err := http.Post(flagServer+"/api/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("login failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("login failed: %s", strings.TrimSpace(string(msg)))
	}
	var lr loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return "", err
	}
	return lr.Token, nil
}

func createMeeting(token string, meetingID string, gated bool) (startResponse, error) {
	body, _ := json.Marshal(map[string]any{
		"meetingId": meetingID,
		"gated":     gated,
	})
	req, err := http.NewRequest(http.MethodPost, flagServer+"/api/meetings", bytes.NewReader(body))
	if err != nil {
		return startResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return startResponse{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(resp.Body)
		return startResponse{}, fmt.Errorf("could not start meeting: %s", strings.TrimSpace(string(msg)))
	}
	var sr startResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return startResponse{}, err
	}
	return sr, nil
}

// peerIDRetries bounds reconnects on an ephemeral id collision.
const peerIDRetries = 3

// runMeeting attaches to the meeting and drives the interactive loop until
// the session ends or the user quits. A peer id collision regenerates the
// ephemeral id and reconnects.
func runMeeting(token, meetingID string) error {
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for attempt := 0; ; attempt++ {
		retry, err := attachOnce(token, meetingID, lines)
		if !retry {
			return err
		}
		if attempt+1 >= peerIDRetries {
			return fmt.Errorf("could not claim a peer id after %d attempts", peerIDRetries)
		}
	}
}

func attachOnce(token, meetingID string, lines <-chan string) (retry bool, err error) {
	peerID := uuid.NewString()

	sess, err := client.Dial(flagServer, meetingID, token, peerID)
	if err != nil {
		return false, err
	}

	var media client.MediaPort
	if !flagNoMedia {
		media = rtc.NewPort(rtc.DefaultConfig(), sess.SendMediaSignal)
	}

	orc := client.NewOrchestrator(sess, media, peerID, flagUsername)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	done := make(chan error, 1)
	go func() { done <- orc.Run(ctx) }()

	fmt.Printf("joined meeting %s as %s\n", meetingID, flagUsername)
	fmt.Println("type to chat, /approve <peer>, /reject <peer>, /quit to leave")

	messages := orc.Messages()
	approvals := orc.Approvals()
	for {
		select {
		case err := <-done:
			switch reason := sess.CloseReason(); {
			case reason == "peer id taken":
				fmt.Println("peer id collision, reconnecting with a fresh id")
				return true, nil
			case reason != "":
				fmt.Println("disconnected:", reason)
			}
			if err == context.Canceled {
				return false, nil
			}
			return false, err
		case msg, ok := <-messages:
			if !ok {
				messages = nil
				continue
			}
			fmt.Printf("[%s] %s\n", msg.Sender, msg.Text)
		case peer, ok := <-approvals:
			if !ok {
				approvals = nil
				continue
			}
			fmt.Printf("* %s is asking to join (/approve %s or /reject %s)\n", peer, peer, peer)
		case line, ok := <-lines:
			if !ok {
				lines = nil
				stop()
				continue
			}
			if err := handleLine(orc, line); err != nil {
				if err == errQuit {
					stop()
					continue
				}
				fmt.Println("!", err)
			}
		}
	}
}

var errQuit = fmt.Errorf("quit")

func handleLine(orc *client.Orchestrator, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		return orc.Say(line)
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit":
		return errQuit
	case "/peers":
		for _, p := range orc.Peers() {
			fmt.Println("-", p)
		}
		return nil
	case "/approve", "/reject":
		if len(fields) != 2 {
			return fmt.Errorf("usage: %s <peer>", fields[0])
		}
		return orc.Decide(fields[1], fields[0] == "/approve")
	default:
		return fmt.Errorf("unknown command %s", fields[0])
	}
}
