package bill

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"regexp"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/billscan/internal/scanning"
)

// multipartBody builds a form with a single image part of the given content type
func multipartBody(field, filename, contentType string, data []byte) (*bytes.Buffer, string) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, field, filename))
	h.Set("Content-Type", contentType)
	part, err := writer.CreatePart(h)
	Expect(err).NotTo(HaveOccurred())
	_, err = part.Write(data)
	Expect(err).NotTo(HaveOccurred())
	Expect(writer.Close()).To(Succeed())
	return body, writer.FormDataContentType()
}

func decodeBody(resp *http.Response) map[string]any {
	defer resp.Body.Close()
	var out map[string]any
	Expect(json.NewDecoder(resp.Body).Decode(&out)).To(Succeed())
	return out
}

var _ = Describe("Server", func() {
	var (
		dir         string
		scanner     *mockScanner
		cfg         ServerConfig
		server      *Server
		ghttpServer *ghttp.Server
	)

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		scanner = newMockScanner()
		cfg = ServerConfig{}
	})

	JustBeforeEach(func() {
		store, err := NewLocalStorage(dir)
		Expect(err).NotTo(HaveOccurred())
		service := NewService(NewIntake(IntakeConfig{Dir: dir}, store), scanner, 2)
		server = NewServerWithMux(service, cfg, http.NewServeMux())

		ghttpServer = ghttp.NewServer()
		for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodOptions} {
			ghttpServer.RouteToHandler(method, regexp.MustCompile(".*"), server.ServeHTTP)
		}
	})

	AfterEach(func() {
		ghttpServer.Close()
	})

	postImage := func(path, filename, contentType string, data []byte) *http.Response {
		body, formType := multipartBody(uploadField, filename, contentType, data)
		resp, err := http.Post(ghttpServer.URL()+path, formType, body)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	Describe("handleIndex", func() {
		It("should describe the service", func() {
			resp, err := http.Get(ghttpServer.URL() + "/")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			out := decodeBody(resp)
			Expect(out["message"]).To(ContainSubstring("running"))
			Expect(out["ocrEngine"]).To(Equal("fake"))
			Expect(out["endpoints"]).To(HaveKeyWithValue("extractText", "POST /api/extract-text"))
		})

		It("should not serve unknown paths", func() {
			resp, err := http.Get(ghttpServer.URL() + "/nope")
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("handleHealth", func() {
		It("should report ok", func() {
			resp, err := http.Get(ghttpServer.URL() + "/health")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(decodeBody(resp)).To(HaveKeyWithValue("status", "ok"))
		})
	})

	Describe("POST /api/extract-text", func() {
		When("the image contains text", func() {
			It("should return the text and extracted fields", func() {
				resp := postImage("/api/extract-text", "bill.png", "image/png", []byte("png bytes"))
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))

				out := decodeBody(resp)
				Expect(out["success"]).To(BeTrue())
				Expect(out["text"]).To(Equal(invoiceText))
				Expect(out["confidence"]).To(BeNumerically("==", 91))
				Expect(out["message"]).To(Equal("Text extracted successfully using fake OCR"))

				data, ok := out["extractedData"].(map[string]any)
				Expect(ok).To(BeTrue())
				Expect(data["invoiceNumbers"]).To(Equal([]any{"INV-2024-001"}))
				Expect(data["dates"]).To(Equal([]any{"15/03/2023"}))
				Expect(data["emails"]).To(Equal([]any{"shop@example.com"}))
				Expect(data["gstNumbers"]).To(Equal([]any{}))
				Expect(data["fullText"]).To(Equal(invoiceText))
			})

			It("should remove the upload", func() {
				postImage("/api/extract-text", "bill.jpg", "image/jpeg", []byte("jpeg bytes")).Body.Close()
				Expect(scanner.calls()).To(Equal(1))
				Expect(scanner.modes).To(Equal([]scanning.Mode{scanning.ModeStandard}))
				Expect(filesIn(dir)).To(BeEmpty())
			})
		})

		When("the image contains no text", func() {
			BeforeEach(func() {
				scanner.result = &scanning.Result{Text: "", Confidence: 12}
			})

			It("should succeed without extracted data", func() {
				resp := postImage("/api/extract-text", "blank.png", "image/png", []byte("png bytes"))
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				out := decodeBody(resp)
				Expect(out["success"]).To(BeTrue())
				Expect(out["text"]).To(Equal(""))
				Expect(out["extractedData"]).To(BeNil())
				Expect(out["confidence"]).To(BeNumerically("==", 0))
				Expect(out["message"]).To(Equal("No text found in the image"))
			})
		})

		When("the engine fails", func() {
			BeforeEach(func() {
				scanner.err = &scanning.RecognitionError{Err: errors.New("engine crashed")}
			})

			It("should return a server error with details", func() {
				resp := postImage("/api/extract-text", "bill.png", "image/png", []byte("png bytes"))
				Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
				out := decodeBody(resp)
				Expect(out["success"]).To(BeFalse())
				Expect(out["error"]).To(Equal("Failed to extract text from image"))
				Expect(out["details"]).To(Equal("engine crashed"))
				Expect(out).NotTo(HaveKey("text"))
				Expect(filesIn(dir)).To(BeEmpty())
			})
		})

		When("no file is uploaded", func() {
			It("should reject a form without the image field", func() {
				body, formType := multipartBody("document", "bill.png", "image/png", []byte("png bytes"))
				resp, err := http.Post(ghttpServer.URL()+"/api/extract-text", formType, body)
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				out := decodeBody(resp)
				Expect(out["success"]).To(BeFalse())
				Expect(out["error"]).To(Equal("No image file uploaded"))
			})

			It("should reject a body that is not a form", func() {
				resp, err := http.Post(ghttpServer.URL()+"/api/extract-text", "application/json", bytes.NewBufferString("{}"))
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(decodeBody(resp)).To(HaveKeyWithValue("error", "No image file uploaded"))
			})
		})

		When("the file type is not allowed", func() {
			It("should reject it without calling the engine", func() {
				resp := postImage("/api/extract-text", "anim.gif", "image/gif", []byte("GIF89a"))
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(decodeBody(resp)).To(HaveKeyWithValue("error", "Invalid file type. Only JPG, JPEG, and PNG are allowed."))
				Expect(scanner.calls()).To(BeZero())
				Expect(filesIn(dir)).To(BeEmpty())
			})
		})

		When("the file is larger than 5MB", func() {
			It("should reject it without calling the engine", func() {
				resp := postImage("/api/extract-text", "huge.png", "image/png", make([]byte, 6<<20))
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(decodeBody(resp)).To(HaveKeyWithValue("error", "File size too large. Maximum size is 5MB."))
				Expect(scanner.calls()).To(BeZero())
				Expect(filesIn(dir)).To(BeEmpty())
			})
		})

		When("the file is just over 5MB", func() {
			It("should reject it from the part size", func() {
				resp := postImage("/api/extract-text", "big.png", "image/png", make([]byte, 5<<20+1))
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(decodeBody(resp)).To(HaveKeyWithValue("error", "File size too large. Maximum size is 5MB."))
				Expect(scanner.calls()).To(BeZero())
			})
		})

		When("the method is not POST", func() {
			It("should return Method Not Allowed", func() {
				resp, err := http.Get(ghttpServer.URL() + "/api/extract-text")
				Expect(err).NotTo(HaveOccurred())
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusMethodNotAllowed))
			})
		})
	})

	Describe("POST /api/extract-text-enhanced", func() {
		It("should recognize in enhanced mode", func() {
			resp := postImage("/api/extract-text-enhanced", "bill.png", "image/png", []byte("png bytes"))
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			out := decodeBody(resp)
			Expect(out["message"]).To(Equal("Text extracted successfully with enhanced OCR"))
			Expect(scanner.modes).To(Equal([]scanning.Mode{scanning.ModeEnhanced}))
		})
	})

	Describe("CORS", func() {
		It("should answer preflight requests", func() {
			req, err := http.NewRequest(http.MethodOptions, ghttpServer.URL()+"/api/extract-text", nil)
			Expect(err).NotTo(HaveOccurred())
			req.Header.Set("Origin", "http://localhost:3000")
			req.Header.Set("Access-Control-Request-Method", http.MethodPost)
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(BeNumerically("<", 300))
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
		})

		When("origins are restricted", func() {
			BeforeEach(func() {
				cfg.AllowedOrigins = []string{"https://bills.example.com"}
			})

			It("should not allow other origins", func() {
				req, err := http.NewRequest(http.MethodGet, ghttpServer.URL()+"/health", nil)
				Expect(err).NotTo(HaveOccurred())
				req.Header.Set("Origin", "http://evil.example.com")
				resp, err := http.DefaultClient.Do(req)
				Expect(err).NotTo(HaveOccurred())
				resp.Body.Close()
				Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(BeEmpty())
			})
		})
	})

	Describe("rate limiting", func() {
		BeforeEach(func() {
			cfg.RateLimitEvery = time.Hour
			cfg.RateLimitBurst = 1
		})

		It("should reject a client over its budget", func() {
			first := postImage("/api/extract-text", "bill.png", "image/png", []byte("png bytes"))
			first.Body.Close()
			Expect(first.StatusCode).To(Equal(http.StatusOK))

			second := postImage("/api/extract-text", "bill.png", "image/png", []byte("png bytes"))
			Expect(second.StatusCode).To(Equal(http.StatusTooManyRequests))
			Expect(second.Header.Get("Retry-After")).NotTo(BeEmpty())
			Expect(decodeBody(second)).To(HaveKeyWithValue("error", "Rate limit exceeded"))
		})

		It("should not limit the health check", func() {
			for i := 0; i < 3; i++ {
				resp, err := http.Get(ghttpServer.URL() + "/health")
				Expect(err).NotTo(HaveOccurred())
				_, _ = io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
			}
		})
	})
})

var _ = Describe("clientIP", func() {
	It("should prefer the first forwarded address", func() {
		r, _ := http.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("X-Forwarded-For", "10.0.0.1, 10.0.0.2")
		r.RemoteAddr = "127.0.0.1:5000"
		Expect(clientIP(r)).To(Equal("10.0.0.1"))
	})

	It("should fall back to the remote host", func() {
		r, _ := http.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = "127.0.0.1:5000"
		Expect(clientIP(r)).To(Equal("127.0.0.1"))
	})
})
