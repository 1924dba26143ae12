package errors

import (
	"errors"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Structured Errors", func() {
	Describe("AppError", func() {
		Context("basic error creation", func() {
			It("should create error with correct properties", func() {
				err := New(ErrorTypeInvalidInput, "test message")

				Expect(err.Type).To(Equal(ErrorTypeInvalidInput))
				Expect(err.Message).To(Equal("test message"))
				Expect(err.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(err.Details).To(BeEmpty())
				Expect(err.Cause).To(BeNil())
			})

			It("should implement error interface correctly", func() {
				err := New(ErrorTypeInvalidInput, "test message")

				Expect(err.Error()).To(Equal("invalid_input: test message"))
			})

			It("should include details in error string when present", func() {
				err := New(ErrorTypeInvalidInput, "test message").WithDetails("extra info")

				Expect(err.Error()).To(Equal("invalid_input: test message (extra info)"))
			})
		})

		Context("error wrapping", func() {
			It("should wrap underlying error", func() {
				originalErr := errors.New("original error")
				wrappedErr := Wrap(originalErr, ErrorTypeUnavailable, "operation failed")

				Expect(wrappedErr.Type).To(Equal(ErrorTypeUnavailable))
				Expect(wrappedErr.Message).To(Equal("operation failed"))
				Expect(wrappedErr.Cause).To(Equal(originalErr))
				Expect(wrappedErr.Unwrap()).To(Equal(originalErr))
			})

			It("should format wrapped error with arguments", func() {
				originalErr := errors.New("connection refused")
				wrappedErr := Wrapf(originalErr, ErrorTypeUnavailable, "failed to reach %s:%d", "localhost", 5432)

				Expect(wrappedErr.Message).To(Equal("failed to reach localhost:5432"))
				Expect(wrappedErr.Cause).To(Equal(originalErr))
			})
		})

		Context("adding details", func() {
			It("should add details to existing error", func() {
				err := New(ErrorTypeUnavailable, "provider down")
				detailedErr := err.WithDetails("postgres-primary")

				Expect(detailedErr.Details).To(Equal("postgres-primary"))
				Expect(detailedErr).To(BeIdenticalTo(err)) // Should modify in place
			})

			It("should add formatted details", func() {
				err := New(ErrorTypeUnavailable, "provider down")
				detailedErr := err.WithDetailsf("provider %s, attempt %d", "redis-secondary", 3)

				Expect(detailedErr.Details).To(Equal("provider redis-secondary, attempt 3"))
			})
		})
	})

	Describe("HTTP Status Code Mapping", func() {
		It("should map error types to correct HTTP status codes", func() {
			testCases := []struct {
				errorType  ErrorType
				statusCode int
			}{
				{ErrorTypeInvalidInput, http.StatusBadRequest},
				{ErrorTypeEmbeddingFailed, http.StatusInternalServerError},
				{ErrorTypeDuplicateResolved, http.StatusConflict},
				{ErrorTypeUnavailable, http.StatusServiceUnavailable},
				{ErrorTypePartialResults, http.StatusPartialContent},
				{ErrorTypeNotFound, http.StatusNotFound},
				{ErrorTypeOutOfRange, http.StatusBadRequest},
				{ErrorTypeDeadlineExceeded, http.StatusGatewayTimeout},
				{ErrorTypeInternal, http.StatusInternalServerError},
			}

			for _, tc := range testCases {
				err := New(tc.errorType, "test message")
				Expect(err.StatusCode).To(Equal(tc.statusCode))
			}
		})
	})

	Describe("Predefined Error Constructors", func() {
		It("should create invalid input error", func() {
			err := NewInvalidInputError("content must not be empty")

			Expect(err.Type).To(Equal(ErrorTypeInvalidInput))
			Expect(err.Message).To(Equal("content must not be empty"))
		})

		It("should create embedding failed error", func() {
			originalErr := errors.New("model chain exhausted")
			err := NewEmbeddingFailedError("normalize", originalErr)

			Expect(err.Type).To(Equal(ErrorTypeEmbeddingFailed))
			Expect(err.Message).To(ContainSubstring("embedding failed: normalize"))
			Expect(err.Cause).To(Equal(originalErr))
		})

		It("should create not found error", func() {
			err := NewNotFoundError("memory")

			Expect(err.Type).To(Equal(ErrorTypeNotFound))
			Expect(err.Message).To(Equal("memory not found"))
		})

		It("should create unavailable error", func() {
			err := NewUnavailableError("postgres-primary")

			Expect(err.Type).To(Equal(ErrorTypeUnavailable))
			Expect(err.Message).To(Equal("postgres-primary unavailable"))
		})

		It("should create out of range error", func() {
			err := NewOutOfRangeError("importance_score", "must be within [0,1]")

			Expect(err.Type).To(Equal(ErrorTypeOutOfRange))
			Expect(err.Message).To(Equal("importance_score out of range: must be within [0,1]"))
		})

		It("should create deadline exceeded error", func() {
			err := NewDeadlineExceededError("query")

			Expect(err.Type).To(Equal(ErrorTypeDeadlineExceeded))
			Expect(err.Message).To(Equal("operation timed out: query"))
		})

		It("should create duplicate resolved error", func() {
			err := NewDuplicateResolvedError("mem-abc123")

			Expect(err.Type).To(Equal(ErrorTypeDuplicateResolved))
			Expect(err.Message).To(Equal("resolved as duplicate of mem-abc123"))
		})

		It("should create partial results error", func() {
			err := NewPartialResultsError([]string{"redis-secondary"})

			Expect(err.Type).To(Equal(ErrorTypePartialResults))
			Expect(err.Message).To(Equal("providers failed: redis-secondary"))
		})
	})

	Describe("Error Type Checking", func() {
		It("should correctly identify error types", func() {
			invalidErr := NewInvalidInputError("test")
			unavailableErr := NewUnavailableError("test")

			Expect(IsType(invalidErr, ErrorTypeInvalidInput)).To(BeTrue())
			Expect(IsType(invalidErr, ErrorTypeUnavailable)).To(BeFalse())
			Expect(IsType(unavailableErr, ErrorTypeUnavailable)).To(BeTrue())
		})

		It("should handle non-AppError types", func() {
			regularErr := errors.New("regular error")

			Expect(IsType(regularErr, ErrorTypeInvalidInput)).To(BeFalse())
			Expect(GetType(regularErr)).To(Equal(ErrorTypeInternal))
		})

		It("should get correct status codes", func() {
			invalidErr := NewInvalidInputError("test")
			regularErr := errors.New("regular error")

			Expect(GetStatusCode(invalidErr)).To(Equal(http.StatusBadRequest))
			Expect(GetStatusCode(regularErr)).To(Equal(http.StatusInternalServerError))
		})
	})

	Describe("Safe Error Messages", func() {
		It("should return safe messages for different error types", func() {
			testCases := []struct {
				errorType    ErrorType
				expectedSafe string
			}{
				{ErrorTypeNotFound, ErrorMessages.ResourceNotFound},
				{ErrorTypeDeadlineExceeded, ErrorMessages.OperationTimeout},
				{ErrorTypeDuplicateResolved, ErrorMessages.ConcurrentModification},
				{ErrorTypeUnavailable, ErrorMessages.ProviderUnavailable},
				{ErrorTypeEmbeddingFailed, "An internal error occurred"},
			}

			for _, tc := range testCases {
				err := New(tc.errorType, "internal details")
				Expect(SafeErrorMessage(err)).To(Equal(tc.expectedSafe))
			}

			validationErr := NewInvalidInputError("specific validation message")
			Expect(SafeErrorMessage(validationErr)).To(Equal("specific validation message"))
		})

		It("should return generic message for regular errors", func() {
			regularErr := errors.New("internal panic")
			safeMsg := SafeErrorMessage(regularErr)

			Expect(safeMsg).To(Equal("An unexpected error occurred"))
		})
	})

	Describe("Logging Fields", func() {
		It("should generate structured logging fields", func() {
			originalErr := errors.New("connection failed")
			appErr := Wrapf(originalErr, ErrorTypeUnavailable, "provider check failed").
				WithDetails("provider: postgres-primary")

			fields := LogFields(appErr)

			Expect(fields).To(HaveKey("error"))
			Expect(fields).To(HaveKey("error_type"))
			Expect(fields).To(HaveKey("status_code"))
			Expect(fields).To(HaveKey("error_details"))
			Expect(fields).To(HaveKey("underlying_error"))

			Expect(fields["error_type"]).To(Equal("unavailable"))
			Expect(fields["status_code"]).To(Equal(http.StatusServiceUnavailable))
			Expect(fields["error_details"]).To(Equal("provider: postgres-primary"))
			Expect(fields["underlying_error"]).To(Equal("connection failed"))
		})

		It("should handle simple AppError without details", func() {
			err := NewInvalidInputError("invalid input")
			fields := LogFields(err)

			Expect(fields).To(HaveKey("error"))
			Expect(fields).To(HaveKey("error_type"))
			Expect(fields).To(HaveKey("status_code"))
			Expect(fields).NotTo(HaveKey("error_details"))
			Expect(fields).NotTo(HaveKey("underlying_error"))
		})

		It("should handle regular errors", func() {
			err := errors.New("regular error")
			fields := LogFields(err)

			Expect(fields).To(HaveKey("error"))
			Expect(fields).NotTo(HaveKey("error_type"))
		})
	})

	Describe("Error Chaining", func() {
		It("should handle empty error list", func() {
			err := Chain()
			Expect(err).To(BeNil())
		})

		It("should handle single error", func() {
			originalErr := errors.New("single error")
			err := Chain(originalErr)

			Expect(err).To(Equal(originalErr))
		})

		It("should filter nil errors", func() {
			err1 := errors.New("error 1")
			err2 := errors.New("error 2")

			err := Chain(err1, nil, err2, nil)

			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("error 1"))
			Expect(err.Error()).To(ContainSubstring("error 2"))
		})

		It("should chain multiple errors", func() {
			err1 := errors.New("first error")
			err2 := errors.New("second error")
			err3 := errors.New("third error")

			chainedErr := Chain(err1, err2, err3)

			Expect(chainedErr).To(HaveOccurred())
			errMsg := chainedErr.Error()
			Expect(errMsg).To(ContainSubstring("first error"))
			Expect(errMsg).To(ContainSubstring("second error"))
			Expect(errMsg).To(ContainSubstring("third error"))
			Expect(errMsg).To(ContainSubstring(" -> "))
		})

		It("should return nil when all errors are nil", func() {
			err := Chain(nil, nil, nil)
			Expect(err).To(BeNil())
		})
	})

	Describe("Error Type Constants", func() {
		It("should have all expected error types defined", func() {
			expectedTypes := []ErrorType{
				ErrorTypeInvalidInput,
				ErrorTypeEmbeddingFailed,
				ErrorTypeDuplicateResolved,
				ErrorTypeUnavailable,
				ErrorTypePartialResults,
				ErrorTypeNotFound,
				ErrorTypeOutOfRange,
				ErrorTypeDeadlineExceeded,
				ErrorTypeInternal,
			}

			for _, errorType := range expectedTypes {
				Expect(string(errorType)).NotTo(BeEmpty())
			}
		})
	})
})
