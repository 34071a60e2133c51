package scanning

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/otiai10/gosseract/v2"
)

var _ = Describe("Tesseract", func() {
	var (
		engine *Tesseract
		opts   Options
		cfg    clientConfig
	)

	BeforeEach(func() {
		engine = NewTesseract("")
		opts = Options{}
	})

	JustBeforeEach(func() {
		cfg = engine.configFor(opts)
	})

	It("should be named tesseract", func() {
		Expect(engine.Name()).To(Equal("tesseract"))
	})

	When("no options are set", func() {
		It("should use English with no restrictions", func() {
			Expect(cfg.language).To(Equal("eng"))
			Expect(cfg.whitelist).To(BeEmpty())
			Expect(cfg.setPageSegMode).To(BeFalse())
			Expect(cfg.tessdataPrefix).To(BeEmpty())
		})
	})

	When("configured for enhanced recognition", func() {
		BeforeEach(func() {
			opts = Options{
				Language:    DefaultLanguage,
				Whitelist:   EnhancedWhitelist,
				PageSegMode: PageSegAuto,
			}
		})

		It("should restrict the character set", func() {
			Expect(cfg.whitelist).To(Equal(EnhancedWhitelist))
		})

		It("should request automatic page segmentation", func() {
			Expect(cfg.setPageSegMode).To(BeTrue())
			Expect(cfg.pageSegMode).To(Equal(gosseract.PSM_AUTO))
		})
	})

	When("a language and tessdata prefix are configured", func() {
		BeforeEach(func() {
			engine = NewTesseract("/usr/share/tessdata")
			opts = Options{Language: "hin"}
		})

		It("should pass them through", func() {
			Expect(cfg.language).To(Equal("hin"))
			Expect(cfg.tessdataPrefix).To(Equal("/usr/share/tessdata"))
		})
	})
})
