package authenticator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// HumanFallback supplies a captcha code when the solver cannot produce a
// trustworthy one, typically by showing the image to a person.
type HumanFallback interface {
	ReadCaptcha(ctx context.Context, image []byte) (string, error)
}

// PromptFallback drops the captcha image into a file and asks for the code on
// the terminal. The zero value prompts on stderr and reads stdin.
type PromptFallback struct {
	In  io.Reader // defaults to os.Stdin
	Out io.Writer // defaults to os.Stderr
	Dir string    // image directory, defaults to the OS temp dir
}

func (p *PromptFallback) ReadCaptcha(ctx context.Context, image []byte) (string, error) {
	dir := p.Dir
	if dir == "" {
		dir = os.TempDir()
	}
	path := filepath.Join(dir, fmt.Sprintf("captcha-%d.png", time.Now().UnixMilli()))
	if err := os.WriteFile(path, image, 0o600); err != nil {
		return "", err
	}

	out := p.Out
	if out == nil {
		out = os.Stderr
	}
	in := p.In
	if in == nil {
		in = os.Stdin
	}
	fmt.Fprintf(out, "验证码已保存到 %s\n请输入验证码: ", path)

	type answer struct {
		code string
		err  error
	}
	ch := make(chan answer, 1)
	go func() {
		line, err := bufio.NewReader(in).ReadString('\n')
		ch <- answer{strings.TrimSpace(line), err}
	}()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case ans := <-ch:
		// EOF with a code on the last line still counts
		if ans.code == "" && ans.err != nil {
			return "", ans.err
		}
		return ans.code, nil
	}
}
